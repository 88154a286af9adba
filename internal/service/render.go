package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"postmailer/internal/apperrors"
	"postmailer/internal/model"
	"postmailer/pkg/metrics"
)

const defaultImageWidth = 300

const documentTpl = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: "DejaVu Sans", Arial, sans-serif; color: #000; }
h1 { font-size: 20pt; font-weight: bold; text-decoration: underline; margin: 0; }
.separator { height: 14pt; }
.body { font-size: 14pt; white-space: pre-wrap; margin: 0; }
img { display: block; max-width: {{.ImageWidth}}px; height: auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="separator"></div>
<p class="body">{{.Body}}</p>
{{- if .Image}}
<div class="separator"></div>
<img src="{{.Image}}" alt="">
{{- end}}
</body>
</html>
`

var documentTemplate = template.Must(template.New("document").Parse(documentTpl))

type Engine interface {
	Print(ctx context.Context, html string) ([]byte, error)
}

type RenderService struct {
	log        *zap.Logger
	engine     Engine
	images     *ImageFetcher
	metrics    *metrics.Metrics
	imageWidth int
}

func NewRenderService(log *zap.Logger, engine Engine, images *ImageFetcher, m *metrics.Metrics, imageWidth int) *RenderService {
	if imageWidth <= 0 {
		imageWidth = defaultImageWidth
	}

	return &RenderService{
		log:        log,
		engine:     engine,
		images:     images,
		metrics:    m,
		imageWidth: imageWidth,
	}
}

type documentData struct {
	Title      string
	Body       string
	Image      template.URL
	ImageWidth int
}

// Render writes <dir>/<record id>.pdf and returns its path. The caller owns the file.
// An unreachable or invalid image is logged and left out; every other failure wraps
// apperrors.ErrRender.
func (s *RenderService) Render(ctx context.Context, dir string, record model.Record) (string, error) {
	path, err := ArtifactPath(dir, record.ID)
	if err != nil {
		return "", err
	}

	html, err := s.BuildHTML(ctx, record)
	if err != nil {
		return "", err
	}

	data, err := s.engine.Print(ctx, html)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrRender, err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %w", apperrors.ErrRender, path, err)
	}

	return path, nil
}

// BuildHTML lays out the record: heading, separator, body and the optional image.
func (s *RenderService) BuildHTML(ctx context.Context, record model.Record) (string, error) {
	data := documentData{
		Title:      record.Title,
		Body:       record.Body,
		ImageWidth: s.imageWidth,
	}

	if record.HasImage() {
		img, err := s.images.Fetch(ctx, *record.ImageRef)
		if err != nil {
			s.imageFailed(record, err)
		} else {
			data.Image = template.URL(img.DataURI()) //nolint:gosec // built from decoded image bytes
		}
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: layout: %w", apperrors.ErrRender, err)
	}

	return buf.String(), nil
}

func (s *RenderService) imageFailed(record model.Record, err error) {
	s.metrics.ImageFetchFailures.Inc()

	s.log.Warn("Image unavailable, rendering without it",
		zap.String("record_id", record.ID),
		zap.String("title", record.Title),
		zap.String("image_ref", *record.ImageRef),
		zap.Error(err),
	)
}

// ArtifactPath derives the document path from the run directory and the record id.
func ArtifactPath(dir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: record id %q cannot be used as a file name", apperrors.ErrRender, id)
	}

	return filepath.Join(dir, id+".pdf"), nil
}
