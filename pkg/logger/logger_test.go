package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestJSONFileLayout(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "sqe.json")
	l, err := newLogger(Options{Level: "info", File: filepath.Join(dir, "sqe.log"), JSONFile: jsonPath, Truncate: true})
	if err != nil {
		t.Fatal(err)
	}

	SetForTest(l)
	defer SetForTest(nil)
	Debug("скрыто")
	Info("Решение по бару", zap.String("direction", "LONG"))
	Sync()

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 above the debug level", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["level"] != "INFO" || entry["msg"] != "Решение по бару" || entry["direction"] != "LONG" {
		t.Errorf("entry = %v", entry)
	}
	if caller, _ := entry["caller"].(string); !strings.HasPrefix(caller, "logger/logger_test.go") {
		t.Errorf("caller = %q, want the calling test file", caller)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newLogger(Options{Level: "loud"}); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
}

func TestGetLoggerDefaultsToNop(t *testing.T) {
	SetForTest(nil)
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
	Warn("без логгера")
}
