package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.log")
	logger, cleanup, err := New(Config{Level: "warn", File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("visible")
	if err := cleanup(); err != nil {
		t.Errorf("cleanup failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") && os.Getenv(DebugEnv) == "" {
		t.Errorf("Info message should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("Expected warn message in log, got %q", out)
	}
}

// openFDsFor 本进程中指向 path 的文件描述符个数，不支持 /proc 时跳过测试
func openFDsFor(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list open files: %v", err)
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestCleanupClosesLogFile(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks failed: %v", err)
	}
	path := filepath.Join(dir, "gc.log")
	logger, cleanup, err := New(Config{File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("opened")
	if n := openFDsFor(t, path); n != 1 {
		t.Fatalf("Expected the log file open once, got %d", n)
	}

	if err := cleanup(); err != nil {
		t.Errorf("cleanup failed: %v", err)
	}
	if n := openFDsFor(t, path); n != 0 {
		t.Errorf("Expected the log file closed after cleanup, got %d open", n)
	}
}

func TestStderrCleanup(t *testing.T) {
	_, cleanup, err := New(Config{Level: "error"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Errorf("cleanup for stderr should not fail, got %v", err)
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "chatty"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestDebugEnv(t *testing.T) {
	t.Setenv(DebugEnv, "on")
	if !debugForced() {
		t.Error("NOVAGC_DEBUG=on should force debug")
	}
	t.Setenv(DebugEnv, "0")
	if debugForced() {
		t.Error("NOVAGC_DEBUG=0 should not force debug")
	}
}
