package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postmailer/internal/apperrors"
	"postmailer/internal/config"
	"postmailer/internal/model"
	"postmailer/pkg/metrics"
)

type fakeLock struct {
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLock) Acquire(context.Context) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}

	l.acquired++

	return nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released++
	return nil
}

type fakePipeline struct {
	report model.Report
	err    error
	runs   int
}

func (p *fakePipeline) Run(context.Context) (model.Report, error) {
	p.runs++
	return p.report, p.err
}

func newTestApp(l *fakeLock, p *fakePipeline) *App {
	return &App{
		Cfg:      &config.Config{},
		Log:      zap.NewNop(),
		Lock:     l,
		Metrics:  metrics.New(),
		Pipeline: p,
	}
}

func TestRun_Completed(t *testing.T) {
	l := &fakeLock{}
	p := &fakePipeline{report: model.Report{Pending: 2, Processed: 1, Failed: 1, Duration: 3 * time.Second}}
	a := newTestApp(l, p)

	require.NoError(t, a.Run(context.Background()), "per-record failures do not fail the run")

	assert.Equal(t, 1, p.runs)
	assert.Equal(t, 1, l.acquired)
	assert.Equal(t, 1, l.released)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.Metrics.RunDuration))
	assert.Positive(t, testutil.ToFloat64(a.Metrics.LastRunTimestamp))
}

func TestRun_LockHeld(t *testing.T) {
	l := &fakeLock{acquireErr: fmt.Errorf("%w: postmailer:run-lock", apperrors.ErrLockHeld)}
	p := &fakePipeline{}

	require.NoError(t, newTestApp(l, p).Run(context.Background()))

	assert.Zero(t, p.runs)
	assert.Zero(t, l.released)
}

func TestRun_LockUnavailable(t *testing.T) {
	l := &fakeLock{acquireErr: errors.New("connection refused")}
	p := &fakePipeline{}

	require.Error(t, newTestApp(l, p).Run(context.Background()))
	assert.Zero(t, p.runs)
}

func TestRun_PipelineFailure(t *testing.T) {
	l := &fakeLock{}
	p := &fakePipeline{err: fmt.Errorf("failed to select pending records: %w", apperrors.ErrQuery)}

	err := newTestApp(l, p).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQuery)
	assert.Equal(t, 1, l.released, "the lock is released on failure")
}

func TestRun_PushesMetrics(t *testing.T) {
	var pushes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics/job/postmailer-test" {
			pushes.Add(1)
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	a := newTestApp(&fakeLock{}, &fakePipeline{})
	a.Cfg.Metrics = config.Metrics{PushgatewayURL: srv.URL, Job: "postmailer-test"}

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, int32(1), pushes.Load())
}

func TestRun_PushFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	a := newTestApp(&fakeLock{}, &fakePipeline{})
	a.Cfg.Metrics = config.Metrics{PushgatewayURL: srv.URL, Job: "postmailer"}

	assert.NoError(t, a.Run(context.Background()))
}
