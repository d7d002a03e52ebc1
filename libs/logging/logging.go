package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the service logger: JSON on stdout, text in dev.
func NewLogger(level string, serviceName string, env string) *slog.Logger {
	format := "json"
	if env == "dev" {
		format = "text"
	}
	return New(os.Stdout, format, level).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard drops everything; used by tests and CLI subcommands run with -q.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
