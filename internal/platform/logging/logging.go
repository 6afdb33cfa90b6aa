// Package logging builds the JSON slog logger shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/runqueue/internal/platform/env"
)

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("RUNQUEUE_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", raw)
	}
}

// New returns a JSON logger at RUNQUEUE_LOG_LEVEL tagged with service. An
// invalid level falls back to info and is reported through the returned error.
func New(w io.Writer, service string) (*slog.Logger, error) {
	level, err := ParseLevel(env.String("RUNQUEUE_LOG_LEVEL", "info"))
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).With("service", service)
	return logger, err
}
