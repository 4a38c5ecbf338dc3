// Package testenv provides environment isolation helpers for tests.
// This package intentionally has no dependencies on other internal packages
// to avoid import cycles.
package testenv

import (
	"fmt"
	"os"
	"testing"
)

// SetDataDir sets TTOSYNC_DATA_DIR to a temp directory to isolate tests
// from production ~/.ttosync. This is preferred over setting HOME because
// TTOSYNC_DATA_DIR takes precedence in config.DataDir(). Returns the temp
// directory path. Cleanup is automatic via t.Cleanup.
func SetDataDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	origDataDir := os.Getenv("TTOSYNC_DATA_DIR")
	os.Setenv("TTOSYNC_DATA_DIR", tmpDir)

	t.Cleanup(func() {
		if origDataDir != "" {
			os.Setenv("TTOSYNC_DATA_DIR", origDataDir)
		} else {
			os.Unsetenv("TTOSYNC_DATA_DIR")
		}
	})

	return tmpDir
}

// RunIsolatedMain redirects the data dir to a throwaway directory for the
// whole test binary and verifies afterward that no test activity leaked
// into the production data dir. Intended for TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(testenv.RunIsolatedMain(m)) }
func RunIsolatedMain(m *testing.M) int {
	// Resolve the production dir before the override so the barrier
	// always points at the real one.
	barrier := NewProdLogBarrier(DefaultProdDataDir())

	tmpDir, err := os.MkdirTemp("", "ttosync-test-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testenv: create temp data dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	origDataDir, hadDataDir := os.LookupEnv("TTOSYNC_DATA_DIR")
	os.Setenv("TTOSYNC_DATA_DIR", tmpDir)
	defer func() {
		if hadDataDir {
			os.Setenv("TTOSYNC_DATA_DIR", origDataDir)
		} else {
			os.Unsetenv("TTOSYNC_DATA_DIR")
		}
	}()

	code := m.Run()

	if msg := barrier.Check(); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		if code == 0 {
			code = 1
		}
	}
	return code
}
