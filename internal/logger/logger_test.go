package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestLevelIsPerInstance(t *testing.T) {
	var quiet, loud bytes.Buffer
	q := NewLogger(Config{Level: "error", Output: &quiet})
	l := NewLogger(Config{Level: "debug", Output: &loud})

	q.Info("dropped").Send()
	l.Debug("kept").Send()

	if quiet.Len() != 0 {
		t.Errorf("expected error-level logger to drop info, got %s", quiet.String())
	}
	lines := decodeLines(t, &loud)
	if len(lines) != 1 || lines[0]["msg"] != "kept" || lines[0]["service"] != "scoresync" {
		t.Errorf("unexpected debug output %v", lines)
	}
}

func TestConnLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "info", Output: &buf}).ConnLogger("c1", "127.0.0.1:5000")
	log.Info("hello").Send()

	entry := decodeLines(t, &buf)[0]
	if entry["component"] != "hub" || entry["conn_id"] != "c1" || entry["remote"] != "127.0.0.1:5000" {
		t.Errorf("missing connection fields: %v", entry)
	}
}

func TestLogStateTransition(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "info", Output: &buf})
	log.LogStateTransition("connected", "reconnecting", 2, errors.New("read: EOF"))

	entry := decodeLines(t, &buf)[0]
	if entry["from"] != "connected" || entry["to"] != "reconnecting" {
		t.Errorf("unexpected transition fields: %v", entry)
	}
	if entry["reconnect_attempts"] != float64(2) || entry["error"] != "read: EOF" {
		t.Errorf("unexpected attempts or error: %v", entry)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := ParseLevel("verbose"); got.String() != "info" {
		t.Errorf("ParseLevel(verbose) = %v", got)
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}
