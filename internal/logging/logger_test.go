package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewOutputs(t *testing.T) {
	for _, out := range []string{"", "stdout", "stderr"} {
		l, err := New(Options{Level: "debug", Output: out})
		if err != nil {
			t.Fatalf("New(output=%q) returned error: %v", out, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("output=%q: debug should be enabled", out)
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	l, err := New(Options{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	l.Info("upstream registered", zap.String("key", "preview:42:8005"))
	l.Debug("dropped")
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"upstream registered"`) || !strings.Contains(s, `"preview:42:8005"`) {
		t.Errorf("log file missing entry: %s", s)
	}
	if strings.Contains(s, "dropped") {
		t.Error("debug entry should be filtered at info level")
	}
	if !strings.Contains(s, `"timestamp"`) {
		t.Error("expected timestamp key in JSON output")
	}
}

func TestGlobalSetGlobal(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil before SetGlobal")
	}

	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Info("probe ok", zap.String("key", "service:api"))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "probe ok" {
		t.Errorf("expected message %q, got %q", "probe ok", entries[0].Message)
	}
}

func TestLevelsAndFiltering(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.WarnLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("hidden")
	Info("hidden")
	Warn("upstream unhealthy")
	Error("upstream reclaimed")

	entries := obs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at warn level, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("unexpected levels: %v, %v", entries[0].Level, entries[1].Level)
	}
}

func TestWith(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	With(zap.String("component", "prober")).Info("tick")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["component"] != "prober" {
		t.Errorf("context = %v", entries[0].ContextMap())
	}
}
