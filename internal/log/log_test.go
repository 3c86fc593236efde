// ABOUTME: Tests for the logging package
// ABOUTME: Validates level filtering, level parsing and output redirection

package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLevel(t *testing.T) {
	saved := GetLevel()
	defer SetLevel(saved)

	SetLevel(LevelDebug)
	if GetLevel() != LevelDebug {
		t.Errorf("expected LevelDebug, got %v", GetLevel())
	}

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("expected LevelError, got %v", GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	savedLevel := GetLevel()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer func() {
		SetOutput(prev)
		SetLevel(savedLevel)
	}()

	SetLevel(LevelWarn)
	Debug("hidden debug %d", 1)
	Info("hidden info %d", 2)
	Warn("shown warn %d", 3)
	Error("shown error %d", 4)

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("suppressed levels leaked: %q", got)
	}
	if !strings.Contains(got, "[WARN] shown warn 3") {
		t.Errorf("missing warn line: %q", got)
	}
	if !strings.Contains(got, "[ERROR] shown error 4") {
		t.Errorf("missing error line: %q", got)
	}
}

func TestDebugEmittedAtDebugLevel(t *testing.T) {
	savedLevel := GetLevel()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer func() {
		SetOutput(prev)
		SetLevel(savedLevel)
	}()

	SetLevel(LevelDebug)
	Debug("this should emit: %s", "test")

	if !strings.Contains(buf.String(), "[DEBUG] this should emit: test") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}
