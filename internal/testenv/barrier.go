package testenv

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ProdLogBarrier records the state of production log files before
// tests run, and provides a Check method that fails hard if any
// test activity leaked into production logs.
type ProdLogBarrier struct {
	pid         int
	realDataDir string
	// Byte offset at barrier creation time.
	errorsSize int64
	// Snapshot of sync-daemon.<pid>.json at barrier creation time.
	runtimeExisted bool
	runtimeSize    int64
	runtimeMtime   time.Time
}

// DefaultProdDataDir returns the default production data directory
// (~/.ttosync). This is resolved from the user's home directory,
// ignoring TTOSYNC_DATA_DIR so it always points to the real dir.
func DefaultProdDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ttosync")
}

// NewProdLogBarrier snapshots the current production data directory
// state. Call Check() after m.Run() to detect test pollution.
// realDataDir should be the default data directory (e.g. ~/.ttosync)
// resolved BEFORE TTOSYNC_DATA_DIR is overridden for tests.
func NewProdLogBarrier(realDataDir string) *ProdLogBarrier {
	b := &ProdLogBarrier{
		pid:         os.Getpid(),
		realDataDir: realDataDir,
	}
	b.errorsSize = fileSize(
		filepath.Join(realDataDir, "errors.log"),
	)
	runtimePath := filepath.Join(
		realDataDir,
		fmt.Sprintf("sync-daemon.%d.json", b.pid),
	)
	if info, err := os.Stat(runtimePath); err == nil {
		b.runtimeExisted = true
		b.runtimeSize = info.Size()
		b.runtimeMtime = info.ModTime()
	}
	return b
}

// Check verifies no test pollution reached production files.
// Returns a non-empty error message if pollution is detected.
func (b *ProdLogBarrier) Check() string {
	var violations []string

	// 1. Check for daemon runtime file with our PID.
	runtimePath := filepath.Join(
		b.realDataDir,
		fmt.Sprintf("sync-daemon.%d.json", b.pid),
	)
	if info, err := os.Stat(runtimePath); err == nil {
		if !b.runtimeExisted {
			violations = append(violations,
				fmt.Sprintf(
					"test wrote sync-daemon.%d.json to prod data dir",
					b.pid,
				),
			)
		} else if info.Size() != b.runtimeSize ||
			!info.ModTime().Equal(b.runtimeMtime) {
			violations = append(violations,
				fmt.Sprintf(
					"test modified sync-daemon.%d.json in prod data dir"+
						" (size %d→%d, mtime %s→%s)",
					b.pid, b.runtimeSize, info.Size(),
					b.runtimeMtime.Format(time.RFC3339Nano),
					info.ModTime().Format(time.RFC3339Nano),
				),
			)
		}
	} else if b.runtimeExisted {
		violations = append(violations,
			fmt.Sprintf(
				"test deleted sync-daemon.%d.json from prod data dir",
				b.pid,
			),
		)
	}

	// 2. Scan new lines in errors.log for test markers.
	if markers := b.scanNewLines(
		filepath.Join(b.realDataDir, "errors.log"),
		b.errorsSize,
	); len(markers) > 0 {
		violations = append(violations,
			fmt.Sprintf(
				"test pollution in prod errors.log: %s",
				strings.Join(markers, "; "),
			),
		)
	}

	if len(violations) == 0 {
		return ""
	}
	return "PROD LOG BARRIER FAILED:\n  " +
		strings.Join(violations, "\n  ")
}

// scanNewLines reads lines appended after startOffset and returns
// descriptions of any lines that look like test pollution.
func (b *ProdLogBarrier) scanNewLines(
	path string, startOffset int64,
) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil // file gone or unreadable, nothing to scan
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, 0); err != nil {
		return nil
	}

	pidStr := strconv.Itoa(b.pid)
	var markers []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	// 1MB buffer to handle large log lines without silent truncation.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range testMarkers(line, pidStr) {
			if !seen[m] {
				seen[m] = true
				markers = append(markers, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		markers = append(markers,
			fmt.Sprintf("scan error (barrier may be incomplete): %v", err))
	}
	return markers
}

// testMarkers returns marker descriptions if the line looks like
// test pollution. Checks for known patterns that only appear in
// test-generated log entries.
func testMarkers(line, pidStr string) []string {
	var out []string

	// Entries logged by test doubles
	if strings.Contains(line, `"component":"test"`) {
		out = append(out, `component:"test" entry`)
	}

	// Paths under an isolated test data dir
	if strings.Contains(line, "ttosync-test-") {
		out = append(out, "ttosync-test temp path")
	}

	// Daemon runtime events carrying our PID
	if strings.Contains(line, `"pid":`+pidStr) &&
		strings.Contains(line, "daemon") {
		out = append(out, "daemon entry with test PID "+pidStr)
	}

	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
