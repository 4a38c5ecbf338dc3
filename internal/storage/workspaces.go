package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const workspaceCols = `id, name, pdf_path, owner_email, sync_status, sync_id, sync_attempts, last_sync_error, last_attempt_at, synced_at, soft_deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var w Workspace
	var syncID sql.NullInt64
	var lastErr, lastAttempt, syncedAt sql.NullString
	var softDeleted int
	var createdAt, updatedAt string
	err := row.Scan(&w.ID, &w.Name, &w.PDFPath, &w.OwnerEmail, &w.SyncStatus,
		&syncID, &w.SyncAttempts, &lastErr, &lastAttempt, &syncedAt,
		&softDeleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if syncID.Valid {
		w.SyncID = &syncID.Int64
	}
	if lastErr.Valid {
		w.LastSyncError = lastErr.String
	}
	if lastAttempt.Valid {
		t := parseSQLiteTime(lastAttempt.String)
		w.LastAttemptAt = &t
	}
	if syncedAt.Valid {
		t := parseSQLiteTime(syncedAt.String)
		w.SyncedAt = &t
	}
	w.SoftDeleted = softDeleted != 0
	w.CreatedAt = parseSQLiteTime(createdAt)
	w.UpdatedAt = parseSQLiteTime(updatedAt)
	return &w, nil
}

// CreateWorkspace inserts a new workspace in the never-synced state
func (db *DB) CreateWorkspace(name, pdfPath, ownerEmail string) (*Workspace, error) {
	result, err := db.Exec(`INSERT INTO workspaces (name, pdf_path, owner_email) VALUES (?, ?, ?)`,
		name, pdfPath, ownerEmail)
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()
	now := time.Now()
	return &Workspace{
		ID:         id,
		Name:       name,
		PDFPath:    pdfPath,
		OwnerEmail: ownerEmail,
		SyncStatus: SyncNever,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetWorkspace returns a workspace by ID. Soft-deleted rows are returned
// with SoftDeleted set so callers can decide how to treat them.
func (db *DB) GetWorkspace(id int64) (*Workspace, error) {
	w, err := scanWorkspace(db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkspaceByName returns a workspace by its display name
func (db *DB) GetWorkspaceByName(name string) (*Workspace, error) {
	w, err := scanWorkspace(db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE name = ? AND soft_deleted = 0`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkspaces returns all workspaces, oldest first
func (db *DB) ListWorkspaces(includeDeleted bool) ([]Workspace, error) {
	query := `SELECT ` + workspaceCols + ` FROM workspaces`
	if !includeDeleted {
		query += ` WHERE soft_deleted = 0`
	}
	query += ` ORDER BY id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListWorkspaceIDs returns workspace IDs for bulk dispatch. With onlyDirty
// set it skips workspaces whose last sync succeeded and whose content has
// not been touched since. limit <= 0 means no limit.
func (db *DB) ListWorkspaceIDs(onlyDirty bool, limit int) ([]int64, error) {
	query := `SELECT id FROM workspaces WHERE soft_deleted = 0`
	if onlyDirty {
		// A successful resolve stamps synced_at and updated_at together,
		// so updated_at > synced_at means edits landed after the last
		// successful cycle.
		query += ` AND (sync_status != 'succeeded' OR updated_at > synced_at)`
	}
	query += ` ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchWorkspace bumps updated_at, marking the workspace content dirty
func (db *DB) TouchWorkspace(id int64) error {
	result, err := db.Exec(`UPDATE workspaces SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteWorkspace hides a workspace from listings and dispatch
func (db *DB) SoftDeleteWorkspace(id int64) error {
	result, err := db.Exec(`UPDATE workspaces SET soft_deleted = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSyncPending transitions a workspace into the pending state and stamps
// last_attempt_at so staleness is measured from the dispatch point.
func (db *DB) MarkSyncPending(id int64) error {
	now := formatTime(time.Now())
	result, err := db.Exec(`
		UPDATE workspaces SET sync_status = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND soft_deleted = 0
	`, SyncPending, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSyncResolved writes a terminal sync status. The update only applies
// while the workspace is still pending, so a late duplicate delivery cannot
// overwrite a newer dispatch. Returns whether the update applied.
func (db *DB) MarkSyncResolved(id int64, attempt int, success bool, syncID *int64, errMsg string) (bool, error) {
	now := formatTime(time.Now())
	var result sql.Result
	var err error
	if success {
		result, err = db.Exec(`
			UPDATE workspaces
			SET sync_status = ?, sync_attempts = ?, last_sync_error = NULL,
			    synced_at = ?, sync_id = COALESCE(?, sync_id), updated_at = ?
			WHERE id = ? AND sync_status = ?
		`, SyncSucceeded, attempt, now, syncID, now, id, SyncPending)
	} else {
		result, err = db.Exec(`
			UPDATE workspaces
			SET sync_status = ?, sync_attempts = ?, last_sync_error = ?, updated_at = ?
			WHERE id = ? AND sync_status = ?
		`, SyncFailed, attempt, errMsg, now, id, SyncPending)
	}
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// BindWorkspaceSync records the upstream project binding and stamps the
// sync time. sync_status is left alone; the terminal transition belongs
// to MarkSyncResolved.
func (db *DB) BindWorkspaceSync(id, syncID int64, at time.Time) error {
	result, err := db.Exec(`UPDATE workspaces SET sync_id = ?, synced_at = ? WHERE id = ?`,
		syncID, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkWorkspaceSynced stamps synced_at after a metadata push
func (db *DB) MarkWorkspaceSynced(id int64, at time.Time) error {
	result, err := db.Exec(`UPDATE workspaces SET synced_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordSyncFailure notes a non-final failed attempt without leaving the
// pending state. Keeps last_attempt_at fresh so the reconciler does not
// treat an actively retrying workspace as stale.
func (db *DB) RecordSyncFailure(id int64, attempt int, errMsg string) error {
	now := formatTime(time.Now())
	result, err := db.Exec(`
		UPDATE workspaces SET sync_attempts = ?, last_sync_error = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, attempt, errMsg, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListStalePendingWorkspaces returns pending workspaces whose last attempt
// predates the cutoff and that have no queued or running sync job. These
// are the ones orphaned by a crash between dispatch and completion.
func (db *DB) ListStalePendingWorkspaces(staleBefore time.Time, limit int) ([]int64, error) {
	rows, err := db.Query(`
		SELECT w.id FROM workspaces w
		WHERE w.sync_status = 'pending' AND w.soft_deleted = 0
		  AND (w.last_attempt_at IS NULL OR w.last_attempt_at < ?)
		  AND NOT EXISTS (
		    SELECT 1 FROM sync_jobs j
		    WHERE j.workspace_id = w.id AND j.kind = 'sync' AND j.status IN ('queued','running')
		  )
		ORDER BY w.last_attempt_at
		LIMIT ?
	`, formatTime(staleBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRetryableFailedWorkspaces returns failed workspaces still under the
// attempt ceiling whose last attempt predates the cooldown cutoff. The
// ceiling is evaluated here, not at failure time, so raising the configured
// maximum re-surfaces previously exhausted workspaces.
func (db *DB) ListRetryableFailedWorkspaces(maxAttempts int, cooldownBefore time.Time, limit int) ([]int64, error) {
	rows, err := db.Query(`
		SELECT id FROM workspaces
		WHERE sync_status = 'failed' AND soft_deleted = 0
		  AND sync_attempts < ?
		  AND (last_attempt_at IS NULL OR last_attempt_at < ?)
		ORDER BY last_attempt_at
		LIMIT ?
	`, maxAttempts, formatTime(cooldownBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountWorkspacesByStatus returns workspace counts keyed by sync status
func (db *DB) CountWorkspacesByStatus() (map[string]int, error) {
	rows, err := db.Query(`SELECT sync_status, COUNT(*) FROM workspaces WHERE soft_deleted = 0 GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
