package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sensoralert/internal/config"
)

func TestConsoleJSONSinkDropsTimeAndFiltersLevel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "json"},
	}, &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("dispatch queue full", "alert_id", "a-1")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", out.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if _, hasTime := record["time"]; hasTime {
		t.Fatalf("console record must not carry time: %v", record)
	}
	if record["alert_id"] != "a-1" || record["msg"] != "dispatch queue full" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestConsoleLineSinkColorsByLevel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "debug", Format: "line"},
	}, &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Error("delivery failed")
	if !strings.HasPrefix(out.String(), ansiRed) || !strings.HasSuffix(out.String(), ansiReset+"\n") {
		t.Fatalf("unexpected colored line %q", out.String())
	}
}

func TestFileSinkWritesThroughRotator(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sensoralert.log")
	var console bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
		File:    config.LogSinkConfig{Enabled: true, Level: "info", Format: "json", Path: path, MaxSizeMB: 1},
	}, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("alert opened", "alert_id", "a-7")
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), `"alert_id":"a-7"`) {
		t.Fatalf("file sink missing record: %q", body)
	}
	if !strings.Contains(console.String(), "alert opened") {
		t.Fatalf("console sink missing record: %q", console.String())
	}
}

func TestNewRejectsInvalidSinks(t *testing.T) {
	t.Parallel()

	cases := []config.LogConfig{
		{},
		{Console: config.LogSinkConfig{Enabled: true, Level: "loud", Format: "line"}},
		{Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "xml"}},
		{File: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json"}},
	}
	for i, cfg := range cases {
		if _, _, err := newWithConsole(cfg, &bytes.Buffer{}); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
