package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetOutputRedirectsLogLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	L().Info("hello")

	if !strings.Contains(buf.String(), "\"msg\":\"hello\"") {
		t.Errorf("buf = %q, want it to contain the logged message", buf.String())
	}
}

func TestWithSessionAttachesSessionID(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	WithSession("sess-abc").Info("turn started")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["session_id"] != "sess-abc" {
		t.Errorf("session_id = %v, want sess-abc", line["session_id"])
	}
}

func TestSetDebugGatesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	defer SetDebug(false)

	SetDebug(false)
	L().Debug("suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}

	SetDebug(true)
	L().Debug("visible")
	if buf.Len() == 0 {
		t.Error("expected debug output once SetDebug(true)")
	}
}
