package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithSession_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	l := WithSession("abc-123", "tiny")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["sessionId"] != "abc-123" {
		t.Errorf("sessionId = %v", entry["sessionId"])
	}
	if entry["model"] != "tiny" {
		t.Errorf("model = %v", entry["model"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestInit_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(Config{Level: "verbose"}, &buf)

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", zerolog.GlobalLevel())
	}
	l := Logger()
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(DefaultConfig(), &buf)

	l := WithComponent("gateway")
	l.Warn().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["component"] != "gateway" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
}

func TestInit_StampsServiceAndParsesUppercaseLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(Config{Level: "WARN"}, &buf)

	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", zerolog.GlobalLevel())
	}

	l := WithRequest("req-1")
	l.Error().Msg("boom")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["service"] != ServiceName {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["requestId"] != "req-1" || entry["component"] != "gateway" {
		t.Errorf("entry = %v", entry)
	}
}
