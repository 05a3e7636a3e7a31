package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		level        Level
		messageLevel Level
		shouldLog    bool
	}{
		{"DEBUG logs at DEBUG level", DEBUG, DEBUG, true},
		{"INFO logs at DEBUG level", DEBUG, INFO, true},
		{"DEBUG doesn't log at INFO level", INFO, DEBUG, false},
		{"ERROR logs at INFO level", INFO, ERROR, true},
		{"WARN logs at ERROR level", ERROR, WARN, false},
		{"ERROR logs at ERROR level", ERROR, ERROR, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			result := logger.shouldLog(tt.messageLevel, "plain message")
			if result != tt.shouldLog {
				t.Errorf("shouldLog(%v) = %v, want %v", tt.messageLevel, result, tt.shouldLog)
			}
		})
	}
}

func TestLoggerPackageOverride(t *testing.T) {
	l := New(WARN)
	l.packageLevels = map[string]Level{"broker": DEBUG}

	if !l.shouldLog(DEBUG, "[broker] session created") {
		t.Error("broker override should let DEBUG through")
	}
	if l.shouldLog(DEBUG, "[bus] exported") {
		t.Error("bus has no override, DEBUG should be filtered at WARN")
	}
	if !l.shouldLog(WARN, "[bus] exported") {
		t.Error("WARN should pass the global level")
	}
}

func TestExtractComponent(t *testing.T) {
	tests := map[string]string{
		"[broker] x":  "broker",
		"[a]":         "a",
		"no prefix":   "",
		"[unclosed x": "",
		"[]":          "",
	}
	for in, want := range tests {
		if got := extractComponent(in); got != want {
			t.Errorf("extractComponent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoggerFormat(t *testing.T) {
	logger := New(INFO)
	formatted := logger.format(INFO, "test message")

	if !strings.Contains(formatted, "[INFO ]") {
		t.Errorf("formatted message should contain '[INFO ]', got: %s", formatted)
	}
	if !strings.Contains(formatted, "test message") {
		t.Errorf("formatted message should contain 'test message', got: %s", formatted)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"Info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"FATAL", FATAL},
		{" info ", INFO},
		{"unknown", WARN},
		{"", WARN},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if INFO.String() != "INFO" {
		t.Errorf("INFO.String() = %q", INFO.String())
	}
	if Level(42).String() != "Level(42)" {
		t.Errorf("Level(42).String() = %q", Level(42).String())
	}
}

func TestSetLevel(t *testing.T) {
	originalLevel := defaultLogger.level
	defer SetLevel(originalLevel)

	SetLevel(DEBUG)
	if defaultLogger.level != DEBUG {
		t.Errorf("SetLevel(DEBUG) failed, level = %d, want %d", defaultLogger.level, DEBUG)
	}

	SetLevel(ERROR)
	if defaultLogger.level != ERROR {
		t.Errorf("SetLevel(ERROR) failed, level = %d, want %d", defaultLogger.level, ERROR)
	}
}

func TestSetPackageLevelsLowercasesKeys(t *testing.T) {
	defer SetPackageLevels(nil)

	SetPackageLevels(map[string]Level{"Broker": ERROR})
	if defaultLogger.shouldLog(WARN, "[broker] x") {
		t.Error("WARN should be filtered by broker=ERROR override")
	}
}

func TestOutputRedirect(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	originalLevel := defaultLogger.level
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	Info("[test] hello %s", "world")
	Debug("[test] hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO ] [test] hello world") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message leaked: %q", out)
	}
}

func TestGlobalLoggerInstance(t *testing.T) {
	if defaultLogger == nil {
		t.Fatal("defaultLogger should be initialized")
	}
}

func BenchmarkLoggerShouldLog(b *testing.B) {
	logger := New(INFO)
	for i := 0; i < b.N; i++ {
		logger.shouldLog(INFO, "[broker] x")
	}
}
