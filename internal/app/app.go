package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"postmailer/internal/apperrors"
	"postmailer/internal/config"
	"postmailer/internal/lock"
	"postmailer/internal/model"
	"postmailer/internal/pipeline"
	"postmailer/internal/repository"
	"postmailer/internal/service"
	"postmailer/pkg/mailer"
	"postmailer/pkg/metrics"
	"postmailer/pkg/pdf"
	"postmailer/pkg/postgres"
	"postmailer/pkg/redis"
)

const defaultTimeout = 15 * time.Second

type Pipeline interface {
	Run(ctx context.Context) (model.Report, error)
}

type App struct {
	Cfg      *config.Config
	Log      *zap.Logger
	DB       postgres.Postgres
	RDB      redis.Redis
	Engine   pdf.Engine
	Lock     lock.Lock
	Metrics  *metrics.Metrics
	Pipeline Pipeline
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	db, err := initDB(ctx, log, &cfg.Database)
	if err != nil {
		log.Error("Failed to initialize database", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rdb, runLock, err := initLock(ctx, log, &cfg.Redis)
	if err != nil {
		db.Close()
		log.Error("Failed to initialize run lock", zap.Error(err))

		return nil, fmt.Errorf("failed to initialize run lock: %w", err)
	}

	m := metrics.New()

	mlr := initMailer(log, &cfg.Mailer)

	engine := initEngine(log, &cfg.Renderer)

	deliverySvc, err := service.NewDeliveryService(log, mlr, m, cfg.Mailer.SubjectTemplate)
	if err != nil {
		db.Close()
		_ = engine.Close()

		if rdb != nil {
			_ = rdb.Close()
		}

		return nil, fmt.Errorf("failed to initialize delivery service: %w", err)
	}

	log.Debug("Delivery service initialized")

	images := service.NewImageFetcher(cfg.Renderer.ImageTimeout, cfg.Renderer.ImageMaxBytes)
	renderSvc := service.NewRenderService(log, engine, images, m, cfg.Renderer.ImageWidth)
	log.Debug("Render service initialized")

	recordRepo := repository.NewRecordRepository(db.Pool())
	log.Debug("Record repository initialized")

	pipelineCfg := pipeline.Config{
		Name:      cfg.App.ServiceName,
		Workers:   cfg.Pipeline.Workers,
		BatchSize: cfg.Pipeline.BatchSize,
		WorkDir:   cfg.Renderer.WorkDir,
	}

	p := pipeline.NewPipeline(log, pipelineCfg, recordRepo, renderSvc, deliverySvc, m)
	log.Debug("Pipeline initialized")

	return &App{
		Cfg:      cfg,
		Log:      log,
		DB:       db,
		RDB:      rdb,
		Engine:   engine,
		Lock:     runLock,
		Metrics:  m,
		Pipeline: p,
	}, nil
}

// Run executes one batch. A run skipped because another instance holds the lock
// is not an error.
func (a *App) Run(ctx context.Context) error {
	if err := a.Lock.Acquire(ctx); err != nil {
		if errors.Is(err, apperrors.ErrLockHeld) {
			a.Log.Info("Another run is in progress, skipping", zap.Error(err))
			return nil
		}

		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()

		if err := a.Lock.Release(releaseCtx); err != nil {
			a.Log.Warn("Failed to release run lock", zap.Error(err))
		}
	}()

	report, err := a.Pipeline.Run(ctx)

	a.Metrics.ObserveRun(report.Duration, time.Now())
	a.pushMetrics(ctx)

	if err != nil {
		return err
	}

	if report.Failed > 0 || report.Unacknowledged > 0 {
		a.Log.Warn("Run completed with failures",
			zap.String("run_id", report.RunID),
			zap.Int("failed", report.Failed),
			zap.Int("unacknowledged", report.Unacknowledged),
		)
	}

	return nil
}

func (a *App) pushMetrics(ctx context.Context) {
	if a.Cfg.Metrics.PushgatewayURL == "" {
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer cancel()

	if err := a.Metrics.Push(pushCtx, a.Cfg.Metrics.PushgatewayURL, a.Cfg.Metrics.Job); err != nil {
		a.Log.Warn("Failed to push metrics", zap.Error(err))
		return
	}

	a.Log.Debug("Metrics pushed", zap.String("url", a.Cfg.Metrics.PushgatewayURL))
}

func (a *App) Shutdown() error {
	a.DB.Close()
	a.Log.Debug("Database closed")

	err := apperrors.ErrShutdown

	if a.RDB != nil {
		if rdbErr := a.RDB.Close(); rdbErr != nil {
			err = fmt.Errorf("%w, failed to close RDB: %w", err, rdbErr)
		}

		a.Log.Debug("Redis closed")
	}

	if engineErr := a.Engine.Close(); engineErr != nil {
		err = fmt.Errorf("%w, failed to close pdf engine: %w", err, engineErr)
	}

	a.Log.Debug("PDF engine closed")

	if !errors.Is(err, apperrors.ErrShutdown) {
		return err
	}

	return nil
}

func initDB(ctx context.Context, log *zap.Logger, cfg *config.Database) (postgres.Postgres, error) {
	postgresCfg := &postgres.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Name:     cfg.Name,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
		Migration: postgres.Migration{
			AutoApply: cfg.Migration.AutoApply,
		},
	}

	db, err := postgres.New(ctx, postgresCfg)
	if err != nil {
		return nil, err
	}

	log.Debug("Database initialized")

	return db, nil
}

// initLock returns a nil Redis when the lock is disabled.
func initLock(ctx context.Context, log *zap.Logger, cfg *config.Redis) (redis.Redis, lock.Lock, error) {
	if !cfg.Enable {
		log.Debug("Run lock disabled")
		return nil, lock.NopLock{}, nil
	}

	redisCfg := &redis.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	rdb, err := redis.New(ctx, redisCfg)
	if err != nil {
		return nil, nil, err
	}

	log.Debug("Redis initialized")

	return rdb, lock.NewRedisLock(rdb.Client(), cfg.LockKey, cfg.LockTTL), nil
}

func initMailer(log *zap.Logger, cfg *config.Mailer) mailer.Mailer {
	mailerCfg := &mailer.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		From:               cfg.From,
		Security:           cfg.Security,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	mlr := mailer.New(mailerCfg)
	log.Debug("Mailer initialized")

	return mlr
}

func initEngine(log *zap.Logger, cfg *config.Renderer) pdf.Engine {
	engine := pdf.NewChromedpEngine(pdf.ChromedpConfig{
		RemoteURL: cfg.Chrome.RemoteURL,
		NoSandbox: cfg.Chrome.NoSandbox,
		Timeout:   cfg.Chrome.Timeout,
		Paper:     pdf.PaperByName(cfg.Paper),
		Logger:    log,
	})

	log.Debug("PDF engine initialized")

	return engine
}
