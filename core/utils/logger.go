package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger keeps the printf-style call sites used across handlers and services
// while emitting structured slog records underneath.
type Logger struct {
	sl *slog.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout, "")
}

// NewLoggerWithWriter builds a logger for the given environment. Dev and test
// environments get the text handler, everything else JSON.
func NewLoggerWithWriter(w io.Writer, env string) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "test", "":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{sl: slog.New(h).With("service", "incident-desk")}
}

func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sl: l.sl.With(args...)}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sl.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sl.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sl.Error(fmt.Sprintf(format, args...))
}

// Event writes a structured record with explicit attributes.
func (l *Logger) Event(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	l.sl.Log(ctx, level, msg, args...)
}
