package rbac

import (
	"log/slog"

	"github.com/oarkflow/rbac/logger"
)

// Logger is re-exported for callers that only import the root package.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// NewLogger builds the logger selected by cfg.Backend.
func NewLogger(cfg LogConfig) logger.Logger {
	var l logger.Logger
	switch cfg.Backend {
	case "slog":
		l = logger.NewSLogLogger(slog.Default())
		if cfg.Component != "" {
			l = logger.With(l, "component", cfg.Component)
		}
	case "null":
		l = logger.NewNullLogger()
	default:
		l = logger.NewPhusluLogger(cfg.Component)
	}
	return l
}
