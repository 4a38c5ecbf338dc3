package storage

import (
	"errors"
	"testing"
	"time"
)

func TestCreateAndGetWorkspace(t *testing.T) {
	db := openTestDB(t)

	ws := createWorkspace(t, db, "tower-block")
	got := mustGetWorkspace(t, db, ws.ID)

	if got.Name != "tower-block" {
		t.Errorf("Expected name 'tower-block', got %q", got.Name)
	}
	if got.SyncStatus != SyncNever {
		t.Errorf("Expected status never, got %s", got.SyncStatus)
	}
	if got.SyncAttempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", got.SyncAttempts)
	}
	if got.SyncID != nil {
		t.Error("Expected nil sync_id for new workspace")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be populated")
	}
}

func TestGetWorkspaceNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetWorkspace(9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = db.GetWorkspaceByName("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound by name, got %v", err)
	}
}

func TestListWorkspaces(t *testing.T) {
	db := openTestDB(t)

	a := createWorkspace(t, db, "a")
	createWorkspace(t, db, "b")
	if err := db.SoftDeleteWorkspace(a.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	visible, err := db.ListWorkspaces(false)
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(visible) != 1 || visible[0].Name != "b" {
		t.Errorf("Expected only 'b' visible, got %+v", visible)
	}

	all, err := db.ListWorkspaces(true)
	if err != nil {
		t.Fatalf("ListWorkspaces(true): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 with deleted included, got %d", len(all))
	}
}

func TestListWorkspaceIDsDirtyFilter(t *testing.T) {
	db := openTestDB(t)

	never := createWorkspace(t, db, "never")
	failed := createWorkspace(t, db, "failed")
	succeeded := createWorkspace(t, db, "succeeded")
	deleted := createWorkspace(t, db, "deleted")

	// Drive failed and succeeded through their transitions
	for _, id := range []int64{failed.ID, succeeded.ID} {
		if err := db.MarkSyncPending(id); err != nil {
			t.Fatalf("mark pending: %v", err)
		}
	}
	if _, err := db.MarkSyncResolved(failed.ID, 1, false, nil, "boom"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := db.MarkSyncResolved(succeeded.ID, 1, true, nil, ""); err != nil {
		t.Fatalf("resolve succeeded: %v", err)
	}
	if err := db.SoftDeleteWorkspace(deleted.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	dirty, err := db.ListWorkspaceIDs(true, 0)
	if err != nil {
		t.Fatalf("ListWorkspaceIDs dirty: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("Expected 2 dirty workspaces, got %v", dirty)
	}
	if dirty[0] != never.ID || dirty[1] != failed.ID {
		t.Errorf("Expected [%d %d], got %v", never.ID, failed.ID, dirty)
	}

	all, err := db.ListWorkspaceIDs(false, 0)
	if err != nil {
		t.Fatalf("ListWorkspaceIDs all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 non-deleted workspaces, got %v", all)
	}

	limited, err := db.ListWorkspaceIDs(false, 2)
	if err != nil {
		t.Fatalf("ListWorkspaceIDs limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit 2 respected, got %v", limited)
	}

	// Content edits after a successful sync make the workspace dirty again
	time.Sleep(5 * time.Millisecond)
	if err := db.TouchWorkspace(succeeded.ID); err != nil {
		t.Fatalf("TouchWorkspace: %v", err)
	}
	dirty, err = db.ListWorkspaceIDs(true, 0)
	if err != nil {
		t.Fatalf("ListWorkspaceIDs after touch: %v", err)
	}
	if len(dirty) != 3 {
		t.Errorf("Expected touched workspace back in the dirty set, got %v", dirty)
	}
}

func TestMarkSyncPending(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatalf("MarkSyncPending: %v", err)
	}

	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncStatus != SyncPending {
		t.Errorf("Expected pending, got %s", got.SyncStatus)
	}
	if got.LastAttemptAt == nil {
		t.Error("Expected last_attempt_at to be stamped")
	}

	if err := db.MarkSyncPending(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown workspace, got %v", err)
	}

	// Soft-deleted workspaces cannot go pending
	if err := db.SoftDeleteWorkspace(ws.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSyncPending(ws.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for soft-deleted workspace, got %v", err)
	}
}

func TestMarkSyncResolvedSuccess(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatal(err)
	}
	syncID := int64(777)
	applied, err := db.MarkSyncResolved(ws.ID, 2, true, &syncID, "")
	if err != nil {
		t.Fatalf("MarkSyncResolved: %v", err)
	}
	if !applied {
		t.Fatal("Expected resolve to apply from pending")
	}

	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncStatus != SyncSucceeded {
		t.Errorf("Expected succeeded, got %s", got.SyncStatus)
	}
	if got.SyncAttempts != 2 {
		t.Errorf("Expected attempts 2, got %d", got.SyncAttempts)
	}
	if got.SyncID == nil || *got.SyncID != 777 {
		t.Errorf("Expected sync_id 777, got %v", got.SyncID)
	}
	if got.SyncedAt == nil {
		t.Error("Expected synced_at to be stamped")
	}
	if got.LastSyncError != "" {
		t.Errorf("Expected error cleared, got %q", got.LastSyncError)
	}
}

func TestMarkSyncResolvedFailure(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatal(err)
	}
	applied, err := db.MarkSyncResolved(ws.ID, 3, false, nil, "upstream said no")
	if err != nil {
		t.Fatalf("MarkSyncResolved: %v", err)
	}
	if !applied {
		t.Fatal("Expected resolve to apply")
	}

	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncStatus != SyncFailed {
		t.Errorf("Expected failed, got %s", got.SyncStatus)
	}
	if got.SyncAttempts != 3 {
		t.Errorf("Expected attempts 3, got %d", got.SyncAttempts)
	}
	if got.LastSyncError != "upstream said no" {
		t.Errorf("Expected error recorded, got %q", got.LastSyncError)
	}
}

func TestMarkSyncResolvedOnlyAppliesFromPending(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	// Never been dispatched: a stray resolve must not apply
	applied, err := db.MarkSyncResolved(ws.ID, 1, true, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("Expected resolve not to apply from never")
	}

	// First delivery resolves, late duplicate must not flip the result
	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkSyncResolved(ws.ID, 1, true, nil, ""); err != nil {
		t.Fatal(err)
	}
	applied, err = db.MarkSyncResolved(ws.ID, 1, false, nil, "late duplicate")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("Expected late duplicate resolve to be a no-op")
	}
	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncStatus != SyncSucceeded {
		t.Errorf("Expected succeeded to stick, got %s", got.SyncStatus)
	}
}

func TestBindWorkspaceSync(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	if err := db.BindWorkspaceSync(ws.ID, 55, time.Now()); err != nil {
		t.Fatalf("BindWorkspaceSync: %v", err)
	}
	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncID == nil || *got.SyncID != 55 {
		t.Errorf("Expected sync_id 55, got %v", got.SyncID)
	}
	if got.SyncedAt == nil {
		t.Error("Expected synced_at stamped")
	}
	if got.SyncStatus != SyncNever {
		t.Errorf("Expected bind to leave status alone, got %s", got.SyncStatus)
	}

	if err := db.BindWorkspaceSync(9999, 1, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := db.MarkWorkspaceSynced(9999, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordSyncFailureKeepsPending(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordSyncFailure(ws.ID, 1, "transient blip"); err != nil {
		t.Fatalf("RecordSyncFailure: %v", err)
	}

	got := mustGetWorkspace(t, db, ws.ID)
	if got.SyncStatus != SyncPending {
		t.Errorf("Expected still pending, got %s", got.SyncStatus)
	}
	if got.SyncAttempts != 1 {
		t.Errorf("Expected attempts 1, got %d", got.SyncAttempts)
	}
	if got.LastSyncError != "transient blip" {
		t.Errorf("Expected error noted, got %q", got.LastSyncError)
	}
}

func TestListStalePendingWorkspaces(t *testing.T) {
	db := openTestDB(t)

	stale := createWorkspace(t, db, "stale")
	fresh := createWorkspace(t, db, "fresh")
	withJob := createWorkspace(t, db, "with-job")

	for _, id := range []int64{stale.ID, fresh.ID, withJob.ID} {
		if err := db.MarkSyncPending(id); err != nil {
			t.Fatal(err)
		}
	}
	backdateLastAttempt(t, db, stale.ID, time.Hour)
	backdateLastAttempt(t, db, withJob.ID, time.Hour)
	enqueueSyncJob(t, db, withJob.ID)

	cutoff := time.Now().Add(-30 * time.Minute)
	ids, err := db.ListStalePendingWorkspaces(cutoff, 10)
	if err != nil {
		t.Fatalf("ListStalePendingWorkspaces: %v", err)
	}

	if len(ids) != 1 || ids[0] != stale.ID {
		t.Errorf("Expected only stale workspace %d, got %v", stale.ID, ids)
	}
}

func TestListStalePendingSkipsRunningJob(t *testing.T) {
	db := openTestDB(t)

	ws := createWorkspace(t, db, "running")
	if err := db.MarkSyncPending(ws.ID); err != nil {
		t.Fatal(err)
	}
	backdateLastAttempt(t, db, ws.ID, time.Hour)
	enqueueSyncJob(t, db, ws.ID)
	claimJob(t, db, "w1")

	ids, err := db.ListStalePendingWorkspaces(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no candidates while a sync job is running, got %v", ids)
	}
}

func TestListRetryableFailedWorkspaces(t *testing.T) {
	db := openTestDB(t)

	ready := createWorkspace(t, db, "ready")
	cooling := createWorkspace(t, db, "cooling")
	exhausted := createWorkspace(t, db, "exhausted")

	fail := func(id int64, attempts int) {
		t.Helper()
		if err := db.MarkSyncPending(id); err != nil {
			t.Fatal(err)
		}
		if _, err := db.MarkSyncResolved(id, attempts, false, nil, "x"); err != nil {
			t.Fatal(err)
		}
	}
	fail(ready.ID, 2)
	fail(cooling.ID, 2)
	fail(exhausted.ID, 5)
	backdateLastAttempt(t, db, ready.ID, time.Hour)
	backdateLastAttempt(t, db, exhausted.ID, time.Hour)

	cutoff := time.Now().Add(-30 * time.Minute)
	ids, err := db.ListRetryableFailedWorkspaces(5, cutoff, 10)
	if err != nil {
		t.Fatalf("ListRetryableFailedWorkspaces: %v", err)
	}
	if len(ids) != 1 || ids[0] != ready.ID {
		t.Errorf("Expected only %d ready for retry, got %v", ready.ID, ids)
	}

	// Raising the ceiling re-surfaces the exhausted workspace
	ids, err = db.ListRetryableFailedWorkspaces(8, cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected exhausted workspace back under raised ceiling, got %v", ids)
	}
}

func TestCountWorkspacesByStatus(t *testing.T) {
	db := openTestDB(t)

	createWorkspace(t, db, "a")
	b := createWorkspace(t, db, "b")
	if err := db.MarkSyncPending(b.ID); err != nil {
		t.Fatal(err)
	}

	counts, err := db.CountWorkspacesByStatus()
	if err != nil {
		t.Fatalf("CountWorkspacesByStatus: %v", err)
	}
	if counts["never"] != 1 || counts["pending"] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestTouchWorkspace(t *testing.T) {
	db := openTestDB(t)
	ws := createWorkspace(t, db, "alpha")

	before := mustGetWorkspace(t, db, ws.ID).UpdatedAt
	time.Sleep(5 * time.Millisecond)
	if err := db.TouchWorkspace(ws.ID); err != nil {
		t.Fatalf("TouchWorkspace: %v", err)
	}
	after := mustGetWorkspace(t, db, ws.ID).UpdatedAt
	if !after.After(before) {
		t.Errorf("Expected updated_at to advance, before=%v after=%v", before, after)
	}

	if err := db.TouchWorkspace(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
