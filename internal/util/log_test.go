package util

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestInitLoggerFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		t.Run(format, func(t *testing.T) {
			logger = nil
			if err := InitLogger("debug", format, ""); err != nil {
				t.Fatalf("InitLogger() error = %v", err)
			}
			if logger == nil {
				t.Fatal("Logger should not be nil after initialization")
			}

			// Should not panic
			Debugf("debug %s", format)
			Infof("info %s", format)
			Warnw("warn", "format", format)
			Errorw("error", "format", format)
		})
	}
}

func TestInitLoggerWithFile(t *testing.T) {
	logger = nil

	logFile := filepath.Join(t.TempDir(), "tracker.log")
	if err := InitLogger("info", "json", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Info("collection recorded")
	Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("Log file should not be empty")
	}
}

func TestInitLoggerInvalidFile(t *testing.T) {
	logger = nil

	err := InitLogger("info", "console", "/nonexistent/path/test.log")
	if err == nil {
		t.Error("InitLogger() should return error for invalid file path")
	}
}

func TestSetLevel(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	if Log().Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled at info level")
	}

	SetLevel("debug")
	if !Log().Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be enabled after SetLevel(debug)")
	}
	SetLevel("info")
}

func TestLogReturnsDefaultLogger(t *testing.T) {
	logger = nil

	if l := Log(); l == nil {
		t.Error("Log() should return a logger even when not initialized")
	}
}

func TestNamed(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	l := Named("backfill")
	if l == nil {
		t.Fatal("Named() returned nil")
	}
	l.Infow("scanned", "height", 1495702)
}
