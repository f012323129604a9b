// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"legacymigrate/internal/config"
)

// New returns a *slog.Logger configured from cfg plus a closer for any file it
// opened. The closer is never nil.
//
// Errors:
//   - Unknown level, format or output values.
//   - output=file without file_path, or when the file cannot be opened.
func New(cfg config.LogConfig) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, noop, err
	}

	var w io.Writer
	closer := noop
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "file":
		if cfg.FilePath == "" {
			return nil, noop, fmt.Errorf("log file path is required when output is 'file'")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = f.Close
	default:
		return nil, noop, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, noop, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(h), closer, nil
}

// Discard returns a logger that drops everything. Components default to it when
// the caller passes nil.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}
