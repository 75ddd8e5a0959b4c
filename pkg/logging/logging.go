// Package logging provides the structured logger used by mycelium nodes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with helpers for the attributes nodes log with.
type Logger struct {
	base  *slog.Logger
	attrs []slog.Attr
}

// Setup configures logging to stderr and installs it as the slog default.
// Valid levels: debug, info, warn, error. Valid formats: json, text.
func Setup(level, format string) *Logger {
	return SetupWriter(level, format, os.Stderr)
}

// SetupWriter is Setup with an explicit writer.
func SetupWriter(level, format string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	base := slog.New(handler)
	slog.SetDefault(base)
	return &Logger{base: base}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// New wraps base. A nil base uses slog.Default().
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{base: slog.New(slog.DiscardHandler)}
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs), len(l.attrs)+len(attrs))
	copy(newAttrs, l.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &Logger{base: l.base, attrs: newAttrs}
}

// WithComponent adds a component name attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

// WithFunctionality adds the functionality name.
func (l *Logger) WithFunctionality(name string) *Logger {
	return l.With(slog.String("functionality", name))
}

// WithParticipant adds a shortened participant id.
func (l *Logger) WithParticipant(id string) *Logger {
	return l.With(slog.String("participant", ShortID(id)))
}

// WithExchange adds an exchange id.
func (l *Logger) WithExchange(id uint32) *Logger {
	return l.With(slog.Uint64("exchange", uint64(id)))
}

// WithCorrelation adds a correlation ID attribute.
func (l *Logger) WithCorrelation(id string) *Logger {
	return l.With(slog.String("correlation", id))
}

// WithError adds an error attribute.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With(slog.String("error", err.Error()))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.base.Enabled(ctx, level) {
		return
	}
	allArgs := make([]any, 0, len(l.attrs)+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr)
	}
	allArgs = append(allArgs, args...)
	l.base.Log(ctx, level, msg, allArgs...)
}

// Slog returns a slog.Logger carrying this logger's attributes.
func (l *Logger) Slog() *slog.Logger {
	if len(l.attrs) == 0 {
		return l.base
	}
	args := make([]any, len(l.attrs))
	for i, a := range l.attrs {
		args[i] = a
	}
	return l.base.With(args...)
}

// ShortID returns the first 8 characters of an id for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
