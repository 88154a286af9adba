package mailer

import (
	"bufio"
	"fmt"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedMail struct {
	From string
	To   []string
	Data string
}

type testSMTPServer struct {
	Host string
	Port int

	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	mails  []receivedMail
	reject bool
}

// startTestSMTPServer starts a minimal SMTP server on a random port. It speaks
// just enough of the protocol for gomail and records every accepted message.
func startTestSMTPServer(t *testing.T, reject bool) *testSMTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testSMTPServer{
		Host:   "127.0.0.1",
		Port:   ln.Addr().(*net.TCPAddr).Port,
		ln:     ln,
		reject: reject,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()

	t.Cleanup(s.Close)

	return s
}

func (s *testSMTPServer) serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 localhost Test SMTP Service Ready\r\n")

	var current receivedMail
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			fmt.Fprintf(conn, "250-localhost Hello\r\n250 OK\r\n")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			current = receivedMail{From: extractAddr(line)}
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if s.reject {
				fmt.Fprintf(conn, "550 mailbox unavailable\r\n")
				continue
			}
			current.To = append(current.To, extractAddr(line))
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(upper, "DATA"):
			fmt.Fprintf(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
			var data strings.Builder
			for {
				dline, derr := r.ReadString('\n')
				if derr != nil {
					return
				}
				if strings.TrimSpace(dline) == "." {
					break
				}
				data.WriteString(dline)
			}
			current.Data = data.String()
			s.mu.Lock()
			s.mails = append(s.mails, current)
			s.mu.Unlock()
			fmt.Fprintf(conn, "250 OK: queued as 12345\r\n")
		case strings.HasPrefix(upper, "QUIT"):
			fmt.Fprintf(conn, "221 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 OK\r\n")
		}
	}
}

func (s *testSMTPServer) Mails() []receivedMail {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]receivedMail(nil), s.mails...)
}

func (s *testSMTPServer) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

func extractAddr(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start < 0 || end < start {
		return ""
	}
	return line[start+1 : end]
}

func writeAttachment(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "p1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o600))

	return path
}

func TestMailer_SendHTML(t *testing.T) {
	srv := startTestSMTPServer(t, false)

	m := New(&Config{
		Host:     srv.Host,
		Port:     srv.Port,
		From:     "Posts <no-reply@example.com>",
		Security: SecuritySTARTTLS,
	})

	err := m.SendHTML(
		"a@example.com",
		"New post: Hello",
		"<h1>{{.Title}}</h1>",
		map[string]string{"Title": "Hello"},
		Attachment{Path: writeAttachment(t), Name: "Hello.pdf"},
	)
	require.NoError(t, err)

	mails := srv.Mails()
	require.Len(t, mails, 1)
	assert.Equal(t, "no-reply@example.com", mails[0].From)
	assert.Equal(t, []string{"a@example.com"}, mails[0].To)
	assert.Contains(t, mails[0].Data, "Subject: New post: Hello")
	assert.Contains(t, mails[0].Data, `filename="Hello.pdf"`)
	assert.Contains(t, mails[0].Data, "text/html")
	assert.Equal(t, srv.Host, m.Host())
}

func TestMailer_SendHTML_NonASCIIAttachmentName(t *testing.T) {
	srv := startTestSMTPServer(t, false)

	m := New(&Config{
		Host:     srv.Host,
		Port:     srv.Port,
		From:     "no-reply@example.com",
		Security: SecuritySTARTTLS,
	})

	err := m.SendHTML(
		"a@example.com",
		"Новый пост",
		"<h1>{{.Title}}</h1>",
		map[string]string{"Title": "Новый пост"},
		Attachment{Path: writeAttachment(t), Name: "Новый пост.pdf"},
	)
	require.NoError(t, err)

	mails := srv.Mails()
	require.Len(t, mails, 1)

	encoded := mime.BEncoding.Encode("UTF-8", "Новый пост.pdf")
	assert.Contains(t, mails[0].Data, `filename="`+encoded+`"`)
	assert.Contains(t, mails[0].Data, "application/pdf")
	assert.Contains(t, mails[0].Data, `name="`+encoded+`"`)
	assert.NotContains(t, mails[0].Data, "Новый пост.pdf")

	name, err := new(mime.WordDecoder).DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, "Новый пост.pdf", name)
}

func TestAttachmentSettings(t *testing.T) {
	assert.Len(t, attachmentSettings("Hello.pdf"), 1)
	assert.Len(t, attachmentSettings("日本語.pdf"), 2)
}

func TestMailer_SendHTML_FromDefaultsToUsername(t *testing.T) {
	srv := startTestSMTPServer(t, false)

	m := New(&Config{
		Host:     srv.Host,
		Port:     srv.Port,
		Username: "robot@example.com",
		Password: "secret",
		Security: SecurityNone,
	})

	require.NoError(t, m.SendHTML("a@example.com", "Hi", "<p>hi</p>", nil))

	mails := srv.Mails()
	require.Len(t, mails, 1)
	assert.Equal(t, "robot@example.com", mails[0].From)
}

func TestMailer_SendHTML_Rejected(t *testing.T) {
	srv := startTestSMTPServer(t, true)

	m := New(&Config{Host: srv.Host, Port: srv.Port, From: "no-reply@example.com", Security: SecurityNone})

	err := m.SendHTML("nobody@example.com", "Hi", "<p>hi</p>", nil)
	assert.Error(t, err)
	assert.Empty(t, srv.Mails())
}

func TestMailer_SendHTML_BadTemplate(t *testing.T) {
	m := New(&Config{Host: "127.0.0.1", Port: 1, From: "no-reply@example.com"})

	err := m.SendHTML("a@example.com", "Hi", "{{.Broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse template")
}

func TestMailer_SendHTML_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := New(&Config{Host: "127.0.0.1", Port: port, From: "no-reply@example.com", Security: SecurityNone})

	assert.Error(t, m.SendHTML("a@example.com", "Hi", "<p>hi</p>", nil))
}
