package storage

import (
	"time"
)

// TryMarkInFlight inserts the workspace into the in-flight set, treating
// an expired entry as absent. The upsert takes over an expired entry in
// the same statement, so acquisition is atomic. Returns true if the
// workspace was marked, false if a live entry already holds it.
func (db *DB) TryMarkInFlight(workspaceID int64, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := db.Exec(`
		INSERT INTO sync_inflight (workspace_id, lease_expires_at, enqueued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
		  lease_expires_at = excluded.lease_expires_at,
		  enqueued_at = excluded.enqueued_at
		WHERE sync_inflight.lease_expires_at < ?
	`, workspaceID, formatTime(now.Add(ttl)), formatTime(now), formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ClearInFlight removes the workspace from the in-flight set. Clearing a
// workspace that is not present is not an error; the entry may already
// have been expired and taken over.
func (db *DB) ClearInFlight(workspaceID int64) error {
	_, err := db.Exec(`DELETE FROM sync_inflight WHERE workspace_id = ?`, workspaceID)
	return err
}

// IsInFlight reports whether a live in-flight entry exists for the
// workspace
func (db *DB) IsInFlight(workspaceID int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sync_inflight WHERE workspace_id = ? AND lease_expires_at >= ?
	`, workspaceID, formatTime(time.Now())).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InFlightCount returns the number of live in-flight entries
func (db *DB) InFlightCount() (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sync_inflight WHERE lease_expires_at >= ?
	`, formatTime(time.Now())).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PruneExpiredInFlight deletes expired in-flight entries. Purely hygiene;
// TryMarkInFlight already treats expired entries as absent.
func (db *DB) PruneExpiredInFlight(now time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM sync_inflight WHERE lease_expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}
