package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postmailer/internal/apperrors"
	"postmailer/internal/model"
	"postmailer/internal/repository"
	"postmailer/pkg/metrics"
)

const workDirPattern = "postmailer-"

type RecordRepository interface {
	SelectPending(ctx context.Context, ext repository.RepoExtension, limit int) ([]model.Record, error)
	UpdateAsProcessed(ctx context.Context, ext repository.RepoExtension, id string) error
}

type Renderer interface {
	Render(ctx context.Context, dir string, record model.Record) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, record model.Record, artifactPath string) error
}

type Config struct {
	Name      string
	Workers   int
	BatchSize int
	WorkDir   string
}

type Pipeline struct {
	l         *zap.Logger
	cfg       Config
	repo      RecordRepository
	renderer  Renderer
	deliverer Deliverer
	metrics   *metrics.Metrics
}

func NewPipeline(
	l *zap.Logger,
	cfg Config,
	repo RecordRepository,
	renderer Renderer,
	deliverer Deliverer,
	m *metrics.Metrics,
) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &Pipeline{
		l:         l,
		cfg:       cfg,
		repo:      repo,
		renderer:  renderer,
		deliverer: deliverer,
		metrics:   m,
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeUnacknowledged
)

// Run processes every pending record once. Only a failure to read the store or to
// prepare the work directory is returned; per-record failures end up in the report.
func (p *Pipeline) Run(ctx context.Context) (model.Report, error) {
	started := time.Now()

	report := model.Report{RunID: uuid.NewString()}
	l := p.l.With(zap.String("run_id", report.RunID))

	records, err := p.repo.SelectPending(ctx, nil, p.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to select pending records: %w", err)
	}

	report.Pending = len(records)

	if len(records) == 0 {
		l.Info("No pending records")
		report.Duration = time.Since(started)

		return report, nil
	}

	dir, err := os.MkdirTemp(p.cfg.WorkDir, workDirPattern)
	if err != nil {
		return report, fmt.Errorf("failed to create work directory: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			l.Warn("Failed to remove work directory", zap.String("dir", dir), zap.Error(err))
		}
	}()

	l.Info("Run started",
		zap.String("pipeline", p.cfg.Name),
		zap.Int("pending", len(records)),
		zap.Int("workers", p.cfg.Workers),
		zap.String("dir", dir),
	)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	recordPipe := make(chan model.Record)

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			for record := range recordPipe {
				res := p.process(ctx, l.With(zap.Int("worker", id)), dir, record)

				mu.Lock()
				switch res {
				case outcomeProcessed:
					report.Processed++
				case outcomeFailed:
					report.Failed++
				case outcomeUnacknowledged:
					report.Unacknowledged++
				}
				mu.Unlock()
			}
		}(i)
	}

	dispatched := p.dispatch(ctx, records, recordPipe)
	close(recordPipe)
	wg.Wait()

	if dispatched < len(records) {
		l.Warn("Run interrupted, remaining records left pending",
			zap.Int("dispatched", dispatched),
			zap.Int("remaining", len(records)-dispatched),
		)
	}

	report.Duration = time.Since(started)

	l.Info("Run finished",
		zap.Int("pending", report.Pending),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("unacknowledged", report.Unacknowledged),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// dispatch hands records to the workers until the batch is exhausted or ctx is done.
func (p *Pipeline) dispatch(ctx context.Context, records []model.Record, recordPipe chan<- model.Record) int {
	for i, record := range records {
		if ctx.Err() != nil {
			return i
		}

		select {
		case <-ctx.Done():
			return i
		case recordPipe <- record:
		}
	}

	return len(records)
}

// process runs one record through render, deliver and acknowledge. A record that was
// handed to a worker always finishes its step, even if ctx is cancelled meanwhile.
func (p *Pipeline) process(ctx context.Context, l *zap.Logger, dir string, record model.Record) outcome {
	ctx = context.WithoutCancel(ctx)

	l = l.With(zap.String("record_id", record.ID), zap.String("title", record.Title))
	l.Debug("Processing record", zap.String("state", string(model.StateRendering)))

	path, err := p.renderer.Render(ctx, dir, record)
	if err != nil {
		return p.fail(l, err)
	}

	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.Warn("Failed to remove artifact", zap.String("path", path), zap.Error(err))
		}
	}()

	l.Debug("Record rendered", zap.String("state", string(model.StateDelivering)), zap.String("path", path))

	if err := p.deliverer.Deliver(ctx, record, path); err != nil {
		return p.fail(l, err)
	}

	if err := p.repo.UpdateAsProcessed(ctx, nil, record.ID); err != nil {
		l.Error("Record delivered but not acknowledged",
			zap.String("stage", apperrors.StageAck),
			zap.String("recipient", record.Recipient),
			zap.Error(err),
		)
		p.metrics.RecordsUnacknowledged.Inc()

		return outcomeUnacknowledged
	}

	p.metrics.RecordsProcessed.Inc()
	l.Info("Record processed",
		zap.String("state", string(model.StateAcknowledged)),
		zap.String("recipient", record.Recipient),
	)

	return outcomeProcessed
}

func (p *Pipeline) fail(l *zap.Logger, err error) outcome {
	stage := apperrors.Stage(err)

	p.metrics.RecordsFailed.WithLabelValues(stage).Inc()
	l.Error("Failed to process record",
		zap.String("state", string(model.StateFailed)),
		zap.String("stage", stage),
		zap.Error(err),
	)

	return outcomeFailed
}
