package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "account_id", "a-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked: %s", out)
	}
	if !strings.Contains(out, `"account_id":"a-1"`) {
		t.Fatalf("expected json attrs, got %s", out)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "text", "info").Info("hello", "asset", "POINTS")
	if !strings.Contains(buf.String(), "asset=POINTS") {
		t.Fatalf("expected text output, got %s", buf.String())
	}
}
