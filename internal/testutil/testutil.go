// Package testutil provides shared test utilities for ttosync tests.
package testutil

import (
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// OpenTestDB creates a test database in a temporary directory.
// The database is automatically closed when the test completes.
func OpenTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, _ := OpenTestDBWithDir(t)
	return db
}

// OpenTestDBWithDir creates a test database and returns both the DB and the
// temporary directory path. Useful when tests need to place job logs or
// other files in the same directory. The database is automatically closed
// when the test completes.
func OpenTestDBWithDir(t *testing.T) (*storage.DB, string) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db, tmpDir
}

// AssertStatusCode checks that the response has the expected HTTP status code.
// On failure, it reports the response body for debugging.
func AssertStatusCode(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if w.Code != expected {
		t.Errorf("Expected status %d, got %d: %s", expected, w.Code, w.Body.String())
	}
}

// CreateTestWorkspace creates a workspace in the database.
func CreateTestWorkspace(t *testing.T, db *storage.DB, name string) *storage.Workspace {
	t.Helper()

	ws, err := db.CreateWorkspace(name, "/tmp/"+name+".pdf", "owner@example.com")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	return ws
}

// CreateTestWorkspaces creates the specified number of workspaces named
// ws0, ws1, etc. Returns them in order.
func CreateTestWorkspaces(t *testing.T, db *storage.DB, count int) []*storage.Workspace {
	t.Helper()

	out := make([]*storage.Workspace, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, CreateTestWorkspace(t, db, fmt.Sprintf("ws%d", i)))
	}
	return out
}

// EnqueueTestSyncJob publishes a first-attempt sync job for the workspace.
func EnqueueTestSyncJob(t *testing.T, db *storage.DB, workspaceID int64) *storage.SyncJob {
	t.Helper()

	job, err := db.EnqueueJob(storage.EnqueueRequest{
		Lane:        storage.LaneSync,
		Kind:        storage.KindSync,
		WorkspaceID: &workspaceID,
	})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	return job
}

// WaitForJobStatus polls until the job reaches one of the given statuses
// or the timeout elapses.
func WaitForJobStatus(t *testing.T, db *storage.DB, jobID int64, timeout time.Duration, statuses ...storage.JobStatus) *storage.SyncJob {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := db.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		for _, s := range statuses {
			if job.Status == s {
				return job
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, err := db.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	t.Fatalf("job %d did not reach %v within %v (status %s)", jobID, statuses, timeout, job.Status)
	return nil
}

// WaitForWorkspaceStatus polls until the workspace reaches one of the given
// sync statuses or the timeout elapses.
func WaitForWorkspaceStatus(t *testing.T, db *storage.DB, workspaceID int64, timeout time.Duration, statuses ...storage.SyncStatus) *storage.Workspace {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ws, err := db.GetWorkspace(workspaceID)
		if err != nil {
			t.Fatalf("GetWorkspace failed: %v", err)
		}
		for _, s := range statuses {
			if ws.SyncStatus == s {
				return ws
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	ws, err := db.GetWorkspace(workspaceID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	t.Fatalf("workspace %d did not reach %v within %v (status %s)", workspaceID, statuses, timeout, ws.SyncStatus)
	return nil
}

// WaitForCondition polls cond until it returns true or the timeout elapses.
func WaitForCondition(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, desc)
}
