package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"postmailer/pkg/mailer"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

// imageServer serves a PNG on /ok.png, garbage on /broken.png and 404 elsewhere.
func imageServer(t *testing.T) *httptest.Server {
	t.Helper()

	data := pngBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
		case "/broken.png":
			_, _ = w.Write([]byte("<html>not an image</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

type fakeEngine struct {
	mu    sync.Mutex
	html  []string
	err   error
	bytes []byte
}

func (e *fakeEngine) Print(_ context.Context, html string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.html = append(e.html, html)
	if e.err != nil {
		return nil, e.err
	}

	if e.bytes != nil {
		return e.bytes, nil
	}

	return []byte("%PDF-1.4 fake"), nil
}

func (e *fakeEngine) lastHTML() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.html) == 0 {
		return ""
	}

	return e.html[len(e.html)-1]
}

type sentMail struct {
	To          string
	Subject     string
	Tpl         string
	Data        any
	Attachments []mailer.Attachment
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendHTML(to, subject, htmlTpl string, data any, attachments ...mailer.Attachment) error {
	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Tpl: htmlTpl, Data: data, Attachments: attachments})

	return nil
}

func (m *fakeMailer) Host() string {
	return "smtp.test"
}

var errBoom = errors.New("boom")

func strPtr(s string) *string {
	return &s
}
