package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"postmailer/internal/apperrors"
	"postmailer/internal/model"
	"postmailer/pkg/mailer"
	"postmailer/pkg/metrics"
)

const DefaultSubjectTemplate = "New post: {{.Title}}"

const emailTpl = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
<h2>{{.Title}}</h2>
<p style="white-space: pre-wrap;">{{.Body}}</p>
{{- if .ImageRef}}
<p>Image: <a href="{{.ImageRef}}">{{.ImageRef}}</a></p>
{{- end}}
{{- if .CreatedAt}}
<p style="color: #666;"><small>Published {{.CreatedAt}}</small></p>
{{- end}}
<p>The post is attached as a PDF document.</p>
</body>
</html>
`

type emailData struct {
	Title     string
	Body      string
	ImageRef  string
	CreatedAt string
}

type DeliveryService struct {
	log      *zap.Logger
	mailer   mailer.Mailer
	metrics  *metrics.Metrics
	subject  *texttemplate.Template
	validate *validator.Validate
}

func NewDeliveryService(log *zap.Logger, mlr mailer.Mailer, m *metrics.Metrics, subjectTpl string) (*DeliveryService, error) {
	if strings.TrimSpace(subjectTpl) == "" {
		subjectTpl = DefaultSubjectTemplate
	}

	subject, err := texttemplate.New("subject").Option("missingkey=error").Parse(subjectTpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject template: %w", err)
	}

	if err := subject.Execute(io.Discard, model.Record{}); err != nil {
		return nil, fmt.Errorf("invalid subject template: %w", err)
	}

	return &DeliveryService{
		log:      log,
		mailer:   mlr,
		metrics:  m,
		subject:  subject,
		validate: validator.New(),
	}, nil
}

// Deliver sends one mail with the artifact attached. There is exactly one attempt.
func (s *DeliveryService) Deliver(ctx context.Context, record model.Record, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMail, err)
	}

	if err := s.validate.Var(record.Recipient, "required,email"); err != nil {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidRecipient, record.Recipient)
	}

	subject, err := s.Subject(record)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMail, err)
	}

	data := emailData{
		Title: record.Title,
		Body:  record.Body,
	}

	if record.HasImage() {
		data.ImageRef = *record.ImageRef
	}

	if record.CreatedAt != nil {
		data.CreatedAt = record.CreatedAt.UTC().Format(time.RFC1123)
	}

	attachment := mailer.Attachment{
		Path: artifactPath,
		Name: AttachmentName(record.Title, record.ID),
	}

	if err := s.mailer.SendHTML(record.Recipient, subject, emailTpl, data, attachment); err != nil {
		s.metrics.MailSendFailure.WithLabelValues(s.mailer.Host()).Inc()
		return fmt.Errorf("%w: %w", apperrors.ErrMail, err)
	}

	s.metrics.MailSendSuccess.WithLabelValues(s.mailer.Host()).Inc()
	s.log.Debug("Mail sent",
		zap.String("record_id", record.ID),
		zap.String("attachment", attachment.Name),
	)

	return nil
}

func (s *DeliveryService) Subject(record model.Record) (string, error) {
	var b strings.Builder
	if err := s.subject.Execute(&b, record); err != nil {
		return "", fmt.Errorf("exec subject template: %w", err)
	}

	// header injection guard
	return strings.Join(strings.Fields(b.String()), " "), nil
}
