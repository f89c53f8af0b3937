package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name    string
		message string
		leaked  string
	}{
		{
			name:    "anthropic key",
			message: "auth failed for sk-ant-" + strings.Repeat("a", 96),
			leaked:  "sk-ant-",
		},
		{
			name:    "api key assignment",
			message: "config api_key=supersecretvalue12345",
			leaked:  "supersecretvalue12345",
		},
		{
			name:    "bearer token",
			message: "header Bearer abcdefghijklmnopqrstuvwx",
			leaked:  "abcdefghijklmnopqrstuvwx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Output: &buf, Format: "json"})
			logger.Info(context.Background(), tt.message)

			out := buf.String()
			if strings.Contains(out, tt.leaked) {
				t.Errorf("secret leaked in output: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("expected redaction marker in output: %s", out)
			}
		})
	}
}

func TestLoggerIncludesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithThreadID(ctx, "thread-2")
	logger.Info(ctx, "starting")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", record["run_id"])
	}
	if record["thread_id"] != "thread-2" {
		t.Errorf("thread_id = %v, want thread-2", record["thread_id"])
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	logger.Info(context.Background(), "headers", "meta", map[string]any{
		"Authorization": "Bearer tok",
		"content_type":  "application/json",
	})

	out := buf.String()
	if strings.Contains(out, "Bearer tok") {
		t.Errorf("authorization header leaked: %s", out)
	}
	if !strings.Contains(out, "application/json") {
		t.Errorf("non-sensitive value dropped: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json", Level: "warn"})

	logger.Info(context.Background(), "quiet")
	if buf.Len() != 0 {
		t.Errorf("info record emitted below warn level: %s", buf.String())
	}

	logger.Warn(context.Background(), "loud")
	if buf.Len() == 0 {
		t.Error("warn record not emitted")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
