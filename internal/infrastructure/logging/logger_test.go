package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
		{"case insensitive", "DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, "1.2.3", &buf)

	logger.Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if line["service"] != "hearthwire" {
		t.Errorf("service = %v, want hearthwire", line["service"])
	}
	if line["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", line["version"])
	}
	if line["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", line["msg"])
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "info",
		Format: "text",
	}, "dev", &buf)

	logger.Info("plain")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("text format produced JSON: %q", out)
	}
	if !strings.Contains(out, "msg=plain") {
		t.Errorf("text output missing message: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "warn",
		Format: "json",
	}, "dev", &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line emitted at warn level: %q", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn line not emitted at warn level")
	}
}

func TestDebugToggleForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "error",
		Format: "json",
		Debug:  true,
	}, "dev", &buf)

	logger.Debug("verbose")
	if buf.Len() == 0 {
		t.Error("debug toggle did not lower the level")
	}
}

func TestSetLevelAdjustsChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, "dev", &buf)
	child := logger.Component("transport")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at info level: %q", buf.String())
	}

	// The level is shared: raising verbosity on the parent affects the
	// child created before the change.
	logger.SetLevel("debug")
	child.Debug("visible")
	if buf.Len() == 0 {
		t.Error("child did not pick up the runtime level change")
	}
}

func TestComponentAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, "dev", &buf)

	logger.Component("pairing").Info("issued")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatal(err)
	}
	if line["component"] != "pairing" {
		t.Errorf("component = %v, want pairing", line["component"])
	}
}

func TestWithReturnsDistinctLogger(t *testing.T) {
	logger := Default()
	child := logger.With("component", "mqtt")

	if child == nil {
		t.Fatal("expected non-nil child logger")
	}
	if child == logger {
		t.Error("expected child logger to be different from parent")
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}
