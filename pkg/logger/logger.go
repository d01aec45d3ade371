// Package logger builds the zap loggers used by authkeeper.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr. Debug enables debug level
// and caller annotations; otherwise only warnings and errors are shown.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return build(zapcore.DebugLevel)
	}
	return build(zapcore.WarnLevel)
}

// NewWithLevel is New with an explicit level name ("debug", "info", ...).
// Unknown names fall back to warn.
func NewWithLevel(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.WarnLevel
	}
	return build(lvl)
}

func build(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = level != zapcore.DebugLevel
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}
