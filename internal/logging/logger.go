package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a slog.Logger writing text to stdout. When file is non-empty a
// second JSON handler writes to it through size-based rotation.
func New(level, file string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	text := slog.NewTextHandler(os.Stdout, opts)
	if file == "" {
		return slog.New(text)
	}
	rotated := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		Compress:   false,
	}
	return slog.New(fanoutHandler{text, slog.NewJSONHandler(rotated, opts)})
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler duplicates records to every wrapped handler.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, inner := range h {
		if inner.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, inner := range h {
		if !inner.Enabled(ctx, record.Level) {
			continue
		}
		if err := inner.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, inner := range h {
		next[i] = inner.WithAttrs(attrs)
	}
	return next
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, inner := range h {
		next[i] = inner.WithGroup(name)
	}
	return next
}
