package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/pettracer-community/bridge/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger := New(config.LoggingConfig{Level: "info", Format: format, Output: "stdout"}, "1.0.0")
		if logger == nil {
			t.Fatalf("New() with format %q returned nil", format)
		}
	}
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestWithReturnsChild(t *testing.T) {
	logger := New(config.LoggingConfig{Format: "json", Output: "stdout"}, "1.0.0")
	child := logger.With("component", "session")
	if child == nil || child == logger {
		t.Fatal("With() must return a distinct child logger")
	}
}

func TestDefaultFieldsAppearInOutput(t *testing.T) {
	var buf bytes.Buffer

	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}).
		WithAttrs([]slog.Attr{
			slog.String("service", "pettracer-bridge"),
			slog.String("version", "test"),
		})
	logger := &Logger{Logger: slog.New(handler)}

	logger.Info("collar delta merged", "device_id", "41")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["service"] != "pettracer-bridge" || entry["version"] != "test" {
		t.Errorf("default fields missing: %v", entry)
	}
	if entry["msg"] != "collar delta merged" || entry["device_id"] != "41" {
		t.Errorf("entry fields = %v", entry)
	}
}
