// Package logging provides the worker's single structured-logger
// construction point, the Go analogue of the original's
// logging_config.py/setup_logging() wrapping structlog.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given level ("debug", "info", "warn",
// "error") and format ("json" for production, "console" for local
// development). Called once from main and threaded down as a constructor
// dependency — no package-level global logger, per the "global
// singletons... must be initialized in a single lifecycle controller"
// design note.
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// Component returns a child logger tagged with a "component" field, the
// same purpose as the original's `structlog.get_logger().bind(component=...)`.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
