package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	FormatJSON bool
	Rotation   Rotation
}

// Rotation enables a lumberjack file sink next to stdout when File is set.
type Rotation struct {
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

func MustSetupLogger(cfg *Config) *zap.Logger {
	log, err := SetupLogger(cfg)
	if err != nil {
		panic(err)
	}

	return log
}

func SetupLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if cfg.FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}

	if cfg.Rotation.File != "" {
		// file sink is always JSON, colors make no sense there
		fileEncoderCfg := zap.NewProductionEncoderConfig()
		fileEncoderCfg.TimeKey = "time"
		fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Rotation.File,
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
		})

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), writer, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
