package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupLogger_StdoutOnly(t *testing.T) {
	logger, cleanup, err := setupLogger("", false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}
	logger.Infow("test message")
}

func TestSetupLogger_StdoutOnlyVerbose(t *testing.T) {
	logger, cleanup, err := setupLogger("", true)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}
}

func TestSetupLogger_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	logger, cleanup, err := setupLogger(logPath, false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}

	testMsg := "test message for file"
	logger.Infow(testMsg)
	cleanup()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), testMsg) {
		t.Errorf("log file does not contain expected message. Got: %s", content)
	}
}

func TestSetupLogger_CreatesParentDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	nestedPath := filepath.Join(tmpDir, "nested", "dir", "test.log")

	logger, cleanup, err := setupLogger(nestedPath, false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}

	dir := filepath.Dir(nestedPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("parent directory was not created: %s", dir)
	}
	logger.Infow("test message")
}

func TestSetupLogger_CleanupClosesFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	logger, cleanup, err := setupLogger(logPath, false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}

	logger.Infow("test")
	cleanup()

	if err := os.Remove(logPath); err != nil {
		t.Errorf("failed to remove log file after cleanup (file handle may not be closed): %v", err)
	}
}

func TestSetupLogger_InvalidPath(t *testing.T) {
	invalidPath := "/dev/null/invalid/path/test.log"

	logger, cleanup, err := setupLogger(invalidPath, false)
	if err != nil {
		t.Fatalf("setupLogger should not return error for invalid path: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}
	logger.Infow("test message")
}

func TestSetupLogger_VerboseMode(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	logger, cleanup, err := setupLogger(logPath, true)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}
	logger.Infow("verbose test")
}
