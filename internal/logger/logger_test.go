package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLogLevel(input); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
	l.Info("should not appear")
	l.Warn("should appear")
	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("info line leaked through at warn level: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})
	l.With("session").InfoWithFields("ready", map[string]any{"session_id": "abc"})

	var entry logEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not valid json: %v (%q)", err, buf.String())
	}
	if entry.Message != "ready" {
		t.Errorf("message = %q, want ready", entry.Message)
	}
	if entry.Fields["component"] != "session" {
		t.Errorf("component field missing: %+v", entry.Fields)
	}
	if entry.Fields["session_id"] != "abc" {
		t.Errorf("session_id field missing: %+v", entry.Fields)
	}
}
