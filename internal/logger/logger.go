// Package logger builds the zap logger used across ssenotify.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/subnetmarco/ssenotify/internal/config"
)

// New returns a logger writing at cfg.Level in cfg.Encoding to stdout,
// stderr or a rotated file.
func New(cfg *config.LoggingConfig) (*zap.Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config is nil")
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json", "":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log encoding: %s", cfg.Encoding)
	}

	var out zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "stdout", "":
		out = zapcore.Lock(os.Stdout)
	case "stderr":
		out = zapcore.Lock(os.Stderr)
	default:
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	core := zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()).Named("ssenotify"), nil
}
