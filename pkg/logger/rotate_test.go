package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileRollsOverAtSizeLimit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "actions.log")
	w, err := newRotatingFile(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new rotating file: %v", err)
	}
	// Shrink the limit so the test does not write megabytes.
	w.maxSize = 64
	t.Cleanup(func() { _ = w.Close() })

	line := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Fatal("backups beyond the limit must be removed")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current file: %v", err)
	}
	if len(content) != len(line) {
		t.Fatalf("expected current file to hold one line, got %d bytes", len(content))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if parseLevel("WARNING").String() != "WARN" {
		t.Fatal("warning should map to WARN")
	}
	if parseLevel("").String() != "INFO" {
		t.Fatal("empty level should default to INFO")
	}
}
