package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestConsoleLevel 非verbose时控制台只输出错误
func TestConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	config := DefaultLoggerConfig()
	config.Console = &buf

	log, err := NewLoggerWithConfig(config)
	if err != nil {
		t.Fatalf("NewLoggerWithConfig: %v", err)
	}
	log.Info("hidden")
	log.Error("shown")
	log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("console output = %q", out)
	}
}

// TestFileLogging 文件日志按天命名并写JSON
func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	config := DefaultLoggerConfig()
	config.Console = &bytes.Buffer{}
	config.EnableFile = true
	config.LogDir = dir
	config.FileLevel = zapcore.DebugLevel

	log, err := NewLoggerWithConfig(config)
	if err != nil {
		t.Fatalf("NewLoggerWithConfig: %v", err)
	}
	CreateComponentLogger(log, "planner").Debug("planned")
	log.Sync()

	matches, _ := filepath.Glob(filepath.Join(dir, "imgconv_*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if entry["logger"] != "planner" || entry["msg"] != "planned" {
		t.Errorf("entry = %v", entry)
	}
}

// TestParseLevel 无法识别的级别退回info
func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zapcore.DebugLevel || ParseLevel("bogus") != zapcore.InfoLevel {
		t.Error("ParseLevel mismatch")
	}
}
