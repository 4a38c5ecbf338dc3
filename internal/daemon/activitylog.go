package daemon

import (
	"encoding/json"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
)

// ActivityEntry is one line of the daemon's activity journal: a job
// changing state, a sweep finishing, the daemon starting or stopping.
type ActivityEntry struct {
	Timestamp   time.Time         `json:"ts"`
	Event       string            `json:"event"`
	Component   string            `json:"component"`
	Message     string            `json:"message"`
	WorkspaceID int64             `json:"workspace_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// ActivityLog appends entries to a JSONL file and keeps the newest ones
// in an in-memory ring buffer, same shape as ErrorLog. Unlike errors,
// activity is chatty, so the file is size-capped and rotated in place.
type ActivityLog struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	recent        []ActivityEntry
	maxRecent     int
	writeIdx      int
	count         int
	writeCount    int // writes since the last size check
	maxSize       int64
	checkInterval int
}

const activityLogCapacity = 500

// maxActivityLogSize caps the journal file. Entries run ~200 bytes, so
// 5MB holds months of normal dispatch and sweep traffic.
const maxActivityLogSize = 5 * 1024 * 1024

// NewActivityLog opens the activity journal at path, truncating it
// first when a previous run left it over the size cap.
func NewActivityLog(path string) (*ActivityLog, error) {
	return newActivityLogWithConfig(path, maxActivityLogSize, rotateCheckInterval)
}

func newActivityLogWithConfig(path string, maxSize int64, checkInterval int) (*ActivityLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if err := truncateIfOversized(path, maxSize); err != nil {
		log.Printf("Warning: failed to truncate activity log %s: %v", path, err)
	}

	file, err := os.OpenFile(
		path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644,
	)
	if err != nil {
		return nil, err
	}

	return &ActivityLog{
		file:          file,
		path:          path,
		recent:        make([]ActivityEntry, activityLogCapacity),
		maxRecent:     activityLogCapacity,
		maxSize:       maxSize,
		checkInterval: checkInterval,
	}, nil
}

// DefaultActivityLogPath returns the default path for the activity log
func DefaultActivityLogPath() string {
	return filepath.Join(config.DataDir(), "activity.log")
}

// Log records one activity entry in the file and the ring buffer.
// workspaceID is zero for entries not tied to a workspace. The details
// map is copied; callers may reuse it after Log returns.
func (a *ActivityLog) Log(
	event, component, message string,
	workspaceID int64,
	details map[string]string,
) {
	entry := ActivityEntry{
		Timestamp:   time.Now(),
		Event:       event,
		Component:   component,
		Message:     message,
		WorkspaceID: workspaceID,
		Details:     copyDetails(details),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			_, _ = a.file.Write(data)
			_, _ = a.file.Write([]byte("\n"))
		}
		a.maybeRotate()
	}

	a.recent[a.writeIdx] = entry
	a.writeIdx = (a.writeIdx + 1) % a.maxRecent
	if a.count < a.maxRecent {
		a.count++
	}
}

// Recent returns all buffered entries, newest first
func (a *ActivityLog) Recent() []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return nil
	}

	result := make([]ActivityEntry, a.count)
	readIdx := (a.writeIdx - 1 + a.maxRecent) % a.maxRecent
	for i := range a.count {
		e := a.recent[readIdx]
		e.Details = copyDetails(e.Details)
		result[i] = e
		readIdx = (readIdx - 1 + a.maxRecent) % a.maxRecent
	}
	return result
}

// RecentN returns up to n most recent entries (newest first)
func (a *ActivityLog) RecentN(n int) []ActivityEntry {
	if n <= 0 {
		return nil
	}
	all := a.Recent()
	if len(all) <= n {
		return all
	}
	return all[:n]
}

// Close closes the activity log file
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

// rotateCheckInterval is how many writes go by between file size
// checks. At ~200 bytes per entry that is roughly 200KB of slack past
// the cap in the worst case.
const rotateCheckInterval = 1000

// maybeRotate stats the file every checkInterval writes and truncates
// it to zero once it passes maxSize. Must be called with a.mu held.
// The file is closed and reopened because Windows refuses Truncate on
// an O_APPEND handle.
func (a *ActivityLog) maybeRotate() {
	a.writeCount++
	if a.writeCount < a.checkInterval {
		return
	}
	a.writeCount = 0

	info, err := a.file.Stat()
	if err != nil || info.Size() <= a.maxSize {
		return
	}

	a.file.Close()
	f, err := os.OpenFile(
		a.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644,
	)
	if err != nil {
		log.Printf("Warning: activity log rotate reopen failed, retrying append: %v", err)
		// Reopen in append mode so logging is not permanently lost
		f, err = os.OpenFile(
			a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644,
		)
		if err != nil {
			log.Printf("Warning: activity log fallback reopen failed: %v", err)
			a.file = nil
			return
		}
	}
	a.file = f
}

// copyDetails returns a shallow copy of a string map, nil for nil.
func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	maps.Copy(cp, m)
	return cp
}

// truncateIfOversized removes the file at path if it exceeds limit bytes.
func truncateIfOversized(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // no file, nothing to do
	}
	if info.Size() > limit {
		return os.Remove(path)
	}
	return nil
}
