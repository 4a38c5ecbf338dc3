package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/version"
)

// ErrDaemonNotRunning indicates no daemon runtime file was found
var ErrDaemonNotRunning = fmt.Errorf("daemon not running (no runtime file found)")

// getDaemonAddr returns the daemon address from runtime file or default
func getDaemonAddr() string {
	if info, err := daemon.GetAnyRunningDaemon(); err == nil {
		return fmt.Sprintf("http://%s", info.Addr)
	}
	return serverAddr
}

// dialDaemon returns a typed client bound to whichever daemon the runtime
// files point at, falling back to --server.
func dialDaemon() daemon.Client {
	return daemon.NewHTTPClient(getDaemonAddr())
}

// ensureDaemon checks if daemon is running, starts it if not.
// If daemon is running but has a different version, restart it.
func ensureDaemon() error {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	// First check runtime files for any running daemon
	if info, err := daemon.GetAnyRunningDaemon(); err == nil {
		addr := fmt.Sprintf("http://%s/api/status", info.Addr)
		resp, err := client.Get(addr)
		if err == nil {
			defer resp.Body.Close()

			var status struct {
				Version string `json:"version"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&status)

			// Fail closed: restart if decode fails, version empty, or mismatch
			if decodeErr != nil || status.Version == "" || status.Version != version.Version {
				if verbose {
					fmt.Printf("Daemon version mismatch or unreadable (daemon: %s, cli: %s), restarting...\n", status.Version, version.Version)
				}
				return restartDaemon()
			}

			serverAddr = fmt.Sprintf("http://%s", info.Addr)
			return nil
		}
	}

	// Try default address - also check version from response
	resp, err := client.Get(serverAddr + "/api/status")
	if err == nil {
		defer resp.Body.Close()
		var status struct {
			Version string `json:"version"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)

		if decodeErr != nil || status.Version == "" || status.Version != version.Version {
			if verbose {
				fmt.Printf("Daemon version mismatch or unreadable (daemon: %s, cli: %s), restarting...\n", status.Version, version.Version)
			}
			return restartDaemon()
		}
		return nil
	}

	// Start daemon in background
	return startDaemon()
}

// daemonBinaryPath locates the ttosyncd binary: first as a sibling of the
// current executable, then on PATH.
func daemonBinaryPath() (string, error) {
	name := "ttosyncd"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}

	return exec.LookPath(name)
}

func startDaemon() error {
	if verbose {
		fmt.Println("Starting daemon...")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable: %w", err)
	}
	if shouldRefuseAutoStartDaemon(exe) {
		return fmt.Errorf(
			"refusing to auto-start daemon from ephemeral binary (%s); "+
				"use the installed ttosync binary instead",
			filepath.Base(exe),
		)
	}

	daemonBin, err := daemonBinaryPath()
	if err != nil {
		return fmt.Errorf("ttosyncd binary not found: %w", err)
	}

	cmd := exec.Command(daemonBin)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Wait for daemon to be ready and update serverAddr from runtime file
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for range 30 {
		time.Sleep(100 * time.Millisecond)
		if info, err := daemon.GetAnyRunningDaemon(); err == nil {
			addr := fmt.Sprintf("http://%s", info.Addr)
			resp, err := client.Get(addr + "/api/status")
			if err == nil {
				resp.Body.Close()
				serverAddr = addr
				return nil
			}
		}
	}

	return fmt.Errorf("daemon failed to start")
}

// stopDaemon stops any running daemons.
// Returns ErrDaemonNotRunning if no daemon runtime files are found.
func stopDaemon() error {
	runtimes, err := daemon.ListAllRuntimes()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("failed to list daemon runtimes: %w", err)
	}
	if len(runtimes) == 0 {
		return ErrDaemonNotRunning
	}

	// Kill all found daemons, track failures
	var lastErr error
	for _, info := range runtimes {
		if !daemon.KillDaemon(info) {
			lastErr = fmt.Errorf("failed to kill daemon (pid %d)", info.PID)
		}
	}

	return lastErr
}

// killAllDaemons kills any ttosyncd processes that might be running.
// This handles orphaned processes from old binaries or crashed restarts.
func killAllDaemons() {
	if runtime.GOOS == "windows" {
		_ = exec.Command("wmic", "process", "where",
			"commandline like '%ttosyncd%'",
			"call", "terminate").Run()
	} else {
		_ = exec.Command("pkill", "-f", "ttosyncd").Run()
		time.Sleep(100 * time.Millisecond)
		// Force kill any remaining
		_ = exec.Command("pkill", "-9", "-f", "ttosyncd").Run()
	}
	time.Sleep(200 * time.Millisecond)
}

// restartDaemon stops the running daemon and starts a new one
func restartDaemon() error {
	_ = stopDaemon() // Ignore error - killAllDaemons is the fallback
	killAllDaemons()

	// Checkpoint WAL to ensure clean state for the new daemon.
	// Retry a few times in case the old daemon hasn't fully released the DB.
	if dbPath := storage.DefaultDBPath(); dbPath != "" {
		var lastErr error
		for range 3 {
			db, err := storage.Open(dbPath)
			if err != nil {
				lastErr = err
				time.Sleep(200 * time.Millisecond)
				continue
			}
			if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				lastErr = err
				db.Close()
				time.Sleep(200 * time.Millisecond)
				continue
			}
			db.Close()
			lastErr = nil
			break
		}
		if lastErr != nil && verbose {
			fmt.Printf("Warning: WAL checkpoint failed: %v\n", lastErr)
		}
	}

	return startDaemon()
}

func isGoTestBinaryPath(exePath string) bool {
	base := strings.ToLower(filepath.Base(exePath))
	return strings.HasSuffix(base, ".test") ||
		strings.HasSuffix(base, ".test.exe")
}

// isGoBuildCacheBinary returns true if the binary lives in a Go build
// cache directory (produced by "go run"). These ephemeral binaries have
// version "dev" and would kill the production daemon via the
// version-mismatch restart. Uses path-segment matching to avoid false
// positives on paths like /home/go-builder/bin/ttosync.
func isGoBuildCacheBinary(exePath string) bool {
	for seg := range strings.SplitSeq(exePath, string(filepath.Separator)) {
		if seg == "go-build" {
			return true
		}
		// go run temp dirs: go-build<digits>
		if after, ok := strings.CutPrefix(seg, "go-build"); ok &&
			after != "" && isAllDigits(after) {
			return true
		}
	}
	return false
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func shouldRefuseAutoStartDaemon(exePath string) bool {
	if isGoBuildCacheBinary(exePath) {
		return true
	}
	if !isGoTestBinaryPath(exePath) {
		return false
	}
	// Allow explicit opt-in for tests that intentionally want to auto-start.
	return os.Getenv("TTOSYNC_TEST_ALLOW_AUTOSTART") != "1"
}
