// Package telemetry wires logging, tracing and the metrics endpoint of the
// producer and consumer processes.
package telemetry

import (
	"io"
	"strings"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/orderbus/internal/config"
)

// NewLogger installs the zerolog-backed xlog logger as the process default and
// returns it tagged with app. w may be nil for stdout.
func NewLogger(cfg config.Log, app string, w io.Writer) *xlog.Logger {
	zc := zerolog.Config{
		MinLevel:          ParseLevel(cfg.Level),
		Console:           cfg.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            true,
		CallerSkip:        5,
	}
	if w != nil {
		zc.Writer = w
	}
	return zerolog.Use(zc).With(xlog.Str("app", app))
}

// ParseLevel maps a level name to xlog; unknown names mean info.
func ParseLevel(s string) xlog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return xlog.LevelDebug
	case "warn", "warning":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}
