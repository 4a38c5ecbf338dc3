package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createWorkspace(t *testing.T, db *DB, name string) *Workspace {
	t.Helper()
	ws, err := db.CreateWorkspace(name, "/plans/"+name+".pdf", "owner@example.com")
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	return ws
}

func enqueueSyncJob(t *testing.T, db *DB, workspaceID int64) *SyncJob {
	t.Helper()
	job, err := db.EnqueueJob(EnqueueRequest{Kind: KindSync, WorkspaceID: &workspaceID})
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	return job
}

func claimJob(t *testing.T, db *DB, workerID string) *SyncJob {
	t.Helper()
	job, err := db.ClaimJob(workerID, nil, time.Minute)
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if job == nil {
		t.Fatal("Expected to claim a job, got nil")
	}
	return job
}

// expireJobLease backdates a running job's lease so the reconciler sees it
// as expired.
func expireJobLease(t *testing.T, db *DB, jobID int64) {
	t.Helper()
	past := formatTime(time.Now().Add(-time.Minute))
	res, err := db.Exec(`UPDATE sync_jobs SET lease_expires_at = ? WHERE id = ?`, past, jobID)
	if err != nil {
		t.Fatalf("failed to expire lease: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected 1 row updated for job %d, got %d", jobID, n)
	}
}

// expireInFlight backdates a workspace's in-flight entry.
func expireInFlight(t *testing.T, db *DB, workspaceID int64) {
	t.Helper()
	past := formatTime(time.Now().Add(-time.Minute))
	res, err := db.Exec(`UPDATE sync_inflight SET lease_expires_at = ? WHERE workspace_id = ?`, past, workspaceID)
	if err != nil {
		t.Fatalf("failed to expire inflight entry: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected 1 inflight row updated for workspace %d, got %d", workspaceID, n)
	}
}

// backdateLastAttempt moves a workspace's last_attempt_at into the past.
func backdateLastAttempt(t *testing.T, db *DB, workspaceID int64, d time.Duration) {
	t.Helper()
	past := formatTime(time.Now().Add(-d))
	res, err := db.Exec(`UPDATE workspaces SET last_attempt_at = ? WHERE id = ?`, past, workspaceID)
	if err != nil {
		t.Fatalf("failed to backdate last attempt: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected 1 row updated for workspace %d, got %d", workspaceID, n)
	}
}

// backdateAvailableAt shifts a job's available_at into the past so a
// delayed job becomes immediately claimable.
func backdateAvailableAt(t *testing.T, db *DB, jobID int64, d time.Duration) {
	t.Helper()
	past := formatTime(time.Now().Add(-d))
	if _, err := db.Exec(`UPDATE sync_jobs SET available_at = ? WHERE id = ?`, past, jobID); err != nil {
		t.Fatalf("failed to backdate available_at: %v", err)
	}
}

func mustGetWorkspace(t *testing.T, db *DB, id int64) *Workspace {
	t.Helper()
	ws, err := db.GetWorkspace(id)
	if err != nil {
		t.Fatalf("Failed to get workspace %d: %v", id, err)
	}
	return ws
}

func mustGetJob(t *testing.T, db *DB, id int64) *SyncJob {
	t.Helper()
	job, err := db.GetJob(id)
	if err != nil {
		t.Fatalf("Failed to get job %d: %v", id, err)
	}
	return job
}
