package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"path/filepath"
	"strings"

	"gopkg.in/gomail.v2"
)

const (
	SecuritySSL      = "ssl"      // implicit TLS, usually port 465
	SecuritySTARTTLS = "starttls" // plain connect, upgraded when the server offers STARTTLS
	SecurityNone     = "none"     // no AUTH is ever sent
)

type Mailer interface {
	SendHTML(to, subject, htmlTpl string, data any, attachments ...Attachment) error
	Host() string
}

// Attachment is a file on disk attached under Name (defaults to the file's base name).
type Attachment struct {
	Path string
	Name string
}

type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string // "Name <no-reply@example.com>" or just "no-reply@example.com"
	Security           string
	InsecureSkipVerify bool
}

type mailer struct {
	cfg    *Config
	dialer *gomail.Dialer
}

func New(cfg *Config) Mailer {
	username, password := cfg.Username, cfg.Password
	// AUTH over an unencrypted connection is refused by net/smtp anyway
	if cfg.Security == SecurityNone {
		username, password = "", ""
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, username, password)
	d.SSL = cfg.Security == SecuritySSL

	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host} //nolint:gosec // opt-in for internal relays
	}

	return &mailer{cfg: cfg, dialer: d}
}

func (m *mailer) SendHTML(to, subject, htmlTpl string, data any, attachments ...Attachment) error {
	t, err := template.New("email").Parse(htmlTpl)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	var body bytes.Buffer
	if err := t.Execute(&body, data); err != nil {
		return fmt.Errorf("exec template: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from())
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())

	for _, a := range attachments {
		if a.Name != "" {
			msg.Attach(a.Path, attachmentSettings(a.Name)...)
			continue
		}

		msg.Attach(a.Path)
	}

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// attachmentSettings names the attachment. gomail writes file headers as they are,
// so a non-ASCII name goes out as an RFC 2047 encoded word and the media type is
// taken from the original extension.
func attachmentSettings(name string) []gomail.FileSetting {
	if isASCII(name) {
		return []gomail.FileSetting{gomail.Rename(name)}
	}

	encoded := mime.BEncoding.Encode("UTF-8", name)

	mediaType := mime.TypeByExtension(filepath.Ext(name))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	return []gomail.FileSetting{
		gomail.Rename(encoded),
		gomail.SetHeader(map[string][]string{
			"Content-Type": {mediaType + `; name="` + encoded + `"`},
		}),
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}

	return true
}

func (m *mailer) Host() string {
	return m.cfg.Host
}

func (m *mailer) from() string {
	if strings.TrimSpace(m.cfg.From) != "" {
		return m.cfg.From
	}

	return m.cfg.Username
}
