package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := SetupWriter("debug", "json", &buf).
		WithComponent("rpc").
		WithFunctionality("multiply").
		WithExchange(42)
	log.Debug("call fulfilled", "elapsed_ms", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	for key, want := range map[string]any{
		"msg":           "call fulfilled",
		"component":     "rpc",
		"functionality": "multiply",
		"exchange":      float64(42),
		"elapsed_ms":    float64(3),
	} {
		if line[key] != want {
			t.Errorf("%s = %v, want %v", key, line[key], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := SetupWriter("warn", "text", &buf)
	log.Info("hidden")
	log.WithError(errors.New("boom")).Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "error=boom") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSlogCarriesAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewTextHandler(&buf, nil))).WithParticipant("0123456789abcdef")
	log.Slog().Info("joined")
	if !strings.Contains(buf.String(), "participant=01234567") {
		t.Errorf("output = %q, want shortened participant", buf.String())
	}
}

func TestWithErrorNil(t *testing.T) {
	log := Nop()
	if log.WithError(nil) != log {
		t.Error("WithError(nil) should return the receiver")
	}
}
