// Package log constructs the process-wide structured logger.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewBase builds the underlying *zap.Logger writing JSON to stderr at
// the given level ("debug", "info", "warn", "error"). Unknown levels
// fall back to "info".
func NewBase(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// New builds a zap.SugaredLogger at the given level.
func New(level string) (*zap.SugaredLogger, error) {
	logger, err := NewBase(level)
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
