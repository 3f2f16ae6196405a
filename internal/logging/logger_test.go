package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"deadman/internal/config"
)

func TestNewRequiresSink(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}); err == nil {
		t.Fatalf("expected error without enabled sinks")
	}
}

func TestConsoleLineColorsAlertType(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
	}, &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Warn("alert created", "alert_type", "SIGNAL_DEAD")
	line := out.String()
	if !strings.HasPrefix(line, ansiYellow) {
		t.Fatalf("expected warn tone prefix, got %q", line)
	}
	if !strings.Contains(line, ansiRed+"alert_type=SIGNAL_DEAD"+ansiReset) {
		t.Fatalf("expected highlighted alert type, got %q", line)
	}
	if strings.Contains(line, "time=") {
		t.Fatalf("console line must not carry time attr: %q", line)
	}
}

func TestFileSinkWritesJSONAndTeesToConsole(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deadman.log")
	var console bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "error", Format: "json"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path, MaxSizeMB: 1},
	}, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	Component(logger, "heartbeat").Info("pass finished", "rules_checked", 3)
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), `"component":"heartbeat"`) || !strings.Contains(string(body), `"rules_checked":3`) {
		t.Fatalf("unexpected file log: %s", body)
	}
	if console.Len() != 0 {
		t.Fatalf("info record must be filtered from error-level console sink, got %q", console.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("expected unsupported level error")
	}
	level, err := parseLevel(" WARN ")
	if err != nil || level.String() != "WARN" {
		t.Fatalf("unexpected level %v err=%v", level, err)
	}
}
