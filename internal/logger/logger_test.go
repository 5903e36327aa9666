package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetLogger() {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = LevelInfo
	defaultLogger.output = os.Stderr
	if defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"  DEBUG ", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"WARN", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
	if Level(42).String() != "UNKNOWN" {
		t.Errorf("Level(42).String() = %q, want UNKNOWN", Level(42).String())
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)

	Info("drain started")
	Warn("report 3 failed")

	output := buf.String()
	if strings.Contains(output, "drain started") {
		t.Errorf("info line should be filtered at WARN, got: %s", output)
	}
	if !strings.Contains(output, "Z WARN report 3 failed") {
		t.Errorf("expected timestamped warn line, got: %s", output)
	}
}

func TestComponentPrefix(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelDebug)

	log := Named("sync")
	log.Debug("draining %d reports", 2)
	log.Error("report %d: %s", 7, "boom")

	output := buf.String()
	if !strings.Contains(output, "DEBUG sync: draining 2 reports") {
		t.Errorf("missing component debug line, got: %s", output)
	}
	if !strings.Contains(output, "ERROR sync: report 7: boom") {
		t.Errorf("missing component error line, got: %s", output)
	}
	if log.Name() != "sync" {
		t.Errorf("Name() = %q, want sync", log.Name())
	}
}

func TestFileOutput(t *testing.T) {
	resetLogger()
	defer resetLogger()

	logPath := filepath.Join(t.TempDir(), "agent.log")

	var buf bytes.Buffer
	SetOutput(&buf)

	if err := SetLogFile(logPath); err != nil {
		t.Fatalf("SetLogFile failed: %v", err)
	}
	Named("queue").Info("saved report %d", 1)
	Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "queue: saved report 1") {
		t.Errorf("log file missing line, got: %s", content)
	}
	if !strings.Contains(buf.String(), "queue: saved report 1") {
		t.Errorf("primary output missing line, got: %s", buf.String())
	}
}

func TestSetLogFileError(t *testing.T) {
	resetLogger()
	defer resetLogger()

	if err := SetLogFile("/nonexistent/directory/agent.log"); err == nil {
		t.Error("expected error opening log file in missing directory")
	}
}

func TestConcurrentLogging(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := Named("worker")
			for j := 0; j < 50; j++ {
				log.Info("%d/%d", id, j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Errorf("expected 400 lines, got %d", len(lines))
	}
}
