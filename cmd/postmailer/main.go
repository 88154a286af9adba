package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"postmailer/internal/app"
	"postmailer/internal/config"
	"postmailer/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	config.MustPrintConfig(cfg)

	loggerCfg := &logger.Config{
		Level:      cfg.Level,
		FormatJSON: cfg.FormatJSON,
		Rotation: logger.Rotation{
			File:       cfg.Rotation.File,
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
		},
	}

	log := logger.MustSetupLogger(loggerCfg).With(
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.Version),
	)

	defer func() {
		_ = log.Sync()
	}()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		return 1
	}

	defer func() {
		if err := application.Shutdown(); err != nil {
			log.Error("Failed to shutdown application", zap.Error(err))
		}

		log.Info("Application has shutdown")
	}()

	if err := application.Run(ctx); err != nil {
		log.Error("Run failed", zap.Error(err))
		return 1
	}

	return 0
}
