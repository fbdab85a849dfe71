package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONRecordsWithRunFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runtimeLogger, err := New(context.Background(), WithDir(dir), WithRunID(" run-1 "), WithLevel("debug"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if filepath.Dir(runtimeLogger.Path()) != dir {
		t.Fatalf("path = %q, want under %q", runtimeLogger.Path(), dir)
	}
	if !strings.HasSuffix(runtimeLogger.Path(), "-run-1.log") {
		t.Fatalf("path = %q, want run id suffix", runtimeLogger.Path())
	}

	runtimeLogger.WithTraceID("trace-a").WithSpanID("span-b")
	runtimeLogger.Logger.Debug("spawned runner", "pid", 42)
	if err := runtimeLogger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(runtimeLogger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), data)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	want := map[string]any{
		"msg":      "spawned runner",
		"run_id":   "run-1",
		"trace_id": "trace-a",
		"span_id":  "span-b",
		"level":    "debug",
	}
	for key, value := range want {
		if record[key] != value {
			t.Fatalf("record[%q] = %v, want %v", key, record[key], value)
		}
	}
}

func TestUnknownLevelKeepsInfo(t *testing.T) {
	t.Parallel()

	runtimeLogger, err := New(context.Background(), WithDir(t.TempDir()), WithLevel("chatty"), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = runtimeLogger.Close() })

	runtimeLogger.Logger.Debug("hidden")
	data, err := os.ReadFile(runtimeLogger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug record written at info level:\n%s", data)
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var runtimeLogger *RuntimeLogger
	if runtimeLogger.WithRunID("x") != nil || runtimeLogger.Path() != "" || runtimeLogger.Close() != nil {
		t.Fatal("nil RuntimeLogger methods must be no-ops")
	}
	if OrDiscard(nil) == nil || Discard() == nil {
		t.Fatal("discard loggers must not be nil")
	}
}
