package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"net/http"
	"net/url"
	"time"

	"postmailer/internal/apperrors"
)

const (
	defaultImageTimeout  = 10 * time.Second
	defaultImageMaxBytes = 10 << 20
)

type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// DataURI returns the image inlined as a data: URI.
func (i *Image) DataURI() string {
	return "data:image/" + i.Format + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

type ImageFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewImageFetcher(timeout time.Duration, maxBytes int64) *ImageFetcher {
	if timeout <= 0 {
		timeout = defaultImageTimeout
	}

	if maxBytes <= 0 {
		maxBytes = defaultImageMaxBytes
	}

	return &ImageFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads ref and checks that it decodes as PNG, JPEG or GIF.
// Every failure wraps apperrors.ErrImageFetch.
func (f *ImageFetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %w", apperrors.ErrImageFetch, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", apperrors.ErrImageFetch, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", apperrors.ErrImageFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrImageFetch, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", apperrors.ErrImageFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", apperrors.ErrImageFetch, err)
	}

	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: image larger than %d bytes", apperrors.ErrImageFetch, f.maxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", apperrors.ErrImageFetch, err)
	}

	return &Image{
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
