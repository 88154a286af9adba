// Package metrics holds the Prometheus metrics of one batch run. A batch job
// has nothing to scrape, so the registry is pushed to a Pushgateway when the
// run finishes.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Metrics struct {
	registry *prometheus.Registry

	RecordsProcessed      prometheus.Counter
	RecordsFailed         *prometheus.CounterVec
	RecordsUnacknowledged prometheus.Counter
	ImageFetchFailures    prometheus.Counter
	MailSendSuccess       *prometheus.CounterVec
	MailSendFailure       *prometheus.CounterVec
	RunDuration           prometheus.Gauge
	LastRunTimestamp      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postmailer_records_processed_total",
			Help: "Total number of records rendered, delivered and acknowledged",
		}),
		RecordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postmailer_records_failed_total",
			Help: "Total number of records that failed, by pipeline stage",
		}, []string{"stage"}),
		RecordsUnacknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postmailer_records_unacknowledged_total",
			Help: "Total number of records delivered but not marked as processed",
		}),
		ImageFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postmailer_image_fetch_failures_total",
			Help: "Total number of images that could not be fetched and were left out of the document",
		}),
		MailSendSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postmailer_mail_send_success_total",
			Help: "Total number of mails accepted by the SMTP server",
		}, []string{"host"}),
		MailSendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postmailer_mail_send_failure_total",
			Help: "Total number of mails the SMTP server rejected or could not receive",
		}, []string{"host"}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postmailer_run_duration_seconds",
			Help: "Duration of the last run",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postmailer_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}

	m.registry.MustRegister(
		m.RecordsProcessed,
		m.RecordsFailed,
		m.RecordsUnacknowledged,
		m.ImageFetchFailures,
		m.MailSendSuccess,
		m.MailSendFailure,
		m.RunDuration,
		m.LastRunTimestamp,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records the run duration and completion time.
func (m *Metrics) ObserveRun(d time.Duration, finished time.Time) {
	m.RunDuration.Set(d.Seconds())
	m.LastRunTimestamp.Set(float64(finished.Unix()))
}

// Push sends the registry to a Pushgateway, replacing the job's previous metrics.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}

	return nil
}
