package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWritesJSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: FormatAuto, Output: &buf})
	logger.Info().Int("pid", 42).Str("program", "sleep").Msg("process started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["message"] != "process started" {
		t.Fatalf("unexpected message: %v", record["message"])
	}
	if record["pid"] != float64(42) {
		t.Fatalf("unexpected pid: %v", record["pid"])
	}
	if record["level"] != "info" {
		t.Fatalf("unexpected level: %v", record["level"])
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "error", Format: FormatJSON, Output: &buf})
	logger.Debug().Msg("hidden")
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below error level, got %q", buf.String())
	}
	logger.Error().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected error record, got %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Format: FormatConsole, Output: &buf})
	logger.Info().Int("pid", 7).Msg("process terminated")
	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected console output, got JSON: %q", out)
	}
	if !strings.Contains(out, "process terminated") || !strings.Contains(out, "pid=") {
		t.Fatalf("unexpected console output: %q", out)
	}
}

func TestValidators(t *testing.T) {
	if !ValidLevel("warn") || ValidLevel("loud") {
		t.Fatalf("unexpected level validation result")
	}
	if !ValidFormat("console") || ValidFormat("xml") {
		t.Fatalf("unexpected format validation result")
	}
}
