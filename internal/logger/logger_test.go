package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithFormat(&buf, "info", "text")

	Debug("hidden")
	if buf.Len() > 0 {
		t.Error("debug message should not appear at info level")
	}

	SetLevel("debug")
	buf.Reset()
	Debug("visible")
	if buf.Len() == 0 {
		t.Error("debug message should appear after SetLevel(debug)")
	}

	SetLevel("error")
	buf.Reset()
	Info("hidden again")
	if buf.Len() > 0 {
		t.Error("info message should not appear at error level")
	}
}

func TestSetLevelInvalidFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithFormat(&buf, "garbage", "text")

	Debug("should be hidden")
	if buf.Len() > 0 {
		t.Error("invalid level should fall back to info, hiding debug")
	}

	Info("should be visible")
	if buf.Len() == 0 {
		t.Error("info should be visible at info level")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithFormat(&buf, "info", "json")

	Info("Job complete", "path", "/media/a.mkv")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "Job complete" || rec["path"] != "/media/a.mkv" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestWithBeforeInit(t *testing.T) {
	Log = nil
	l := With("component", "test")
	l.Info("dropped")

	var buf bytes.Buffer
	InitWithFormat(&buf, "info", "text")
	With("component", "scheduler").Info("hello")
	if !strings.Contains(buf.String(), "component=scheduler") {
		t.Errorf("expected component attr, got %q", buf.String())
	}
}
