package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// parseSQLiteTime parses SQLite timestamp formats
func parseSQLiteTime(s string) time.Time {
	// Try RFC3339 first (covers the millisecond format written by Go)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	// SQLite datetime('now') format
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z07:00", s); err == nil {
		return t
	}
	return time.Time{}
}

const jobCols = `id, lane, kind, workspace_id, attempt, max_attempts, status, available_at, enqueued_at, started_at, finished_at, worker_id, lease_token, lease_expires_at, error`

func scanJob(row rowScanner) (*SyncJob, error) {
	var j SyncJob
	var workspaceID sql.NullInt64
	var availableAt, enqueuedAt string
	var startedAt, finishedAt, workerID, leaseToken, leaseExpiresAt, errMsg sql.NullString
	err := row.Scan(&j.ID, &j.Lane, &j.Kind, &workspaceID, &j.Attempt, &j.MaxAttempts, &j.Status,
		&availableAt, &enqueuedAt, &startedAt, &finishedAt, &workerID, &leaseToken, &leaseExpiresAt, &errMsg)
	if err != nil {
		return nil, err
	}
	if workspaceID.Valid {
		j.WorkspaceID = &workspaceID.Int64
	}
	j.AvailableAt = parseSQLiteTime(availableAt)
	j.EnqueuedAt = parseSQLiteTime(enqueuedAt)
	if startedAt.Valid {
		t := parseSQLiteTime(startedAt.String)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseSQLiteTime(finishedAt.String)
		j.FinishedAt = &t
	}
	if workerID.Valid {
		j.WorkerID = workerID.String
	}
	if leaseToken.Valid {
		j.LeaseToken = leaseToken.String
	}
	if leaseExpiresAt.Valid {
		t := parseSQLiteTime(leaseExpiresAt.String)
		j.LeaseExpiresAt = &t
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	return &j, nil
}

// EnqueueRequest describes a job to publish.
type EnqueueRequest struct {
	Lane        string
	Kind        JobKind
	WorkspaceID *int64
	Attempt     int       // 0 means first attempt
	MaxAttempts int       // 0 uses the schema default
	AvailableAt time.Time // zero means immediately
	DepthLimit  int       // queued-depth cap for the lane, 0 disables the check
}

// EnqueueJob publishes a job to a lane. When DepthLimit is set and the
// lane already holds that many queued jobs the publish is refused with
// ErrBackpressure. The depth check and insert run under one immediate
// transaction so concurrent publishers cannot both slip past the cap.
func (db *DB) EnqueueJob(req EnqueueRequest) (*SyncJob, error) {
	if req.Lane == "" {
		req.Lane = LaneSync
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 5
	}
	now := time.Now()
	if req.AvailableAt.IsZero() {
		req.AvailableAt = now
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if req.DepthLimit > 0 {
		var depth int
		err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_jobs WHERE lane = ? AND status = 'queued'`, req.Lane).Scan(&depth)
		if err != nil {
			return nil, err
		}
		if depth >= req.DepthLimit {
			return nil, fmt.Errorf("lane %s depth %d: %w", req.Lane, depth, ErrBackpressure)
		}
	}

	result, err := conn.ExecContext(ctx, `
		INSERT INTO sync_jobs (lane, kind, workspace_id, attempt, max_attempts, available_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.Lane, req.Kind, req.WorkspaceID, req.Attempt, req.MaxAttempts,
		formatTime(req.AvailableAt), formatTime(now))
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, err
	}
	committed = true

	return &SyncJob{
		ID:          id,
		Lane:        req.Lane,
		Kind:        req.Kind,
		WorkspaceID: req.WorkspaceID,
		Attempt:     req.Attempt,
		MaxAttempts: req.MaxAttempts,
		Status:      JobStatusQueued,
		AvailableAt: req.AvailableAt,
		EnqueuedAt:  now,
	}, nil
}

// ClaimJob atomically claims the oldest available queued job in the given
// lanes and stamps a fresh lease on it. Returns nil if nothing is
// claimable. An empty lane list claims from all lanes.
func (db *DB) ClaimJob(workerID string, lanes []string, leaseTTL time.Duration) (*SyncJob, error) {
	if len(lanes) == 0 {
		lanes = AllLanes
	}
	now := time.Now()
	nowStr := formatTime(now)
	token := uuid.New().String()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(lanes)), ",")
	args := []any{workerID, token, formatTime(now.Add(leaseTTL)), nowStr}
	for _, lane := range lanes {
		args = append(args, lane)
	}
	args = append(args, nowStr)

	// Atomic claim: the UPDATE with subselect prevents two workers from
	// claiming the same job
	result, err := db.Exec(`
		UPDATE sync_jobs
		SET status = 'running', worker_id = ?, lease_token = ?, lease_expires_at = ?, started_at = ?
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'queued' AND lane IN (`+placeholders+`) AND available_at <= ?
			ORDER BY enqueued_at, id
			LIMIT 1
		)
	`, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil // no claimable job
	}

	// The lease token is unique per claim, so this fetch is unambiguous
	j, err := scanJob(db.QueryRow(`SELECT `+jobCols+` FROM sync_jobs WHERE lease_token = ?`, token))
	if err != nil {
		return nil, fmt.Errorf("fetch claimed job: %w", err)
	}
	return j, nil
}

// GetJob returns a job by ID
func (db *DB) GetJob(id int64) (*SyncJob, error) {
	j, err := scanJob(db.QueryRow(`SELECT `+jobCols+` FROM sync_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CompleteJob marks a job done, but only while the caller still holds the
// lease. Returns false if the lease was lost to the reconciler.
func (db *DB) CompleteJob(id int64, leaseToken string) (bool, error) {
	result, err := db.Exec(`
		UPDATE sync_jobs
		SET status = 'done', finished_at = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_token = ?
	`, formatTime(time.Now()), id, leaseToken)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// FailJob marks a job terminally failed, conditional on holding the lease
func (db *DB) FailJob(id int64, leaseToken, errMsg string) (bool, error) {
	result, err := db.Exec(`
		UPDATE sync_jobs
		SET status = 'failed', finished_at = ?, error = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_token = ?
	`, formatTime(time.Now()), errMsg, id, leaseToken)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RetryJob requeues a running job as the next attempt, delayed until
// availableAt. The current delivery is superseded in the same statement,
// so there is no window where both attempts are claimable. Applies only
// while the lease is held and attempts remain.
func (db *DB) RetryJob(id int64, leaseToken, errMsg string, availableAt time.Time) (bool, error) {
	result, err := db.Exec(`
		UPDATE sync_jobs
		SET status = 'queued', attempt = attempt + 1, worker_id = NULL, started_at = NULL,
		    lease_token = NULL, lease_expires_at = NULL, error = ?, available_at = ?
		WHERE id = ? AND status = 'running' AND lease_token = ? AND attempt < max_attempts
	`, errMsg, formatTime(availableAt), id, leaseToken)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CancelJob cancels a queued job. Running jobs cannot be canceled; their
// lease has to expire or resolve first.
func (db *DB) CancelJob(id int64) error {
	result, err := db.Exec(`
		UPDATE sync_jobs SET status = 'canceled', finished_at = ?
		WHERE id = ? AND status = 'queued'
	`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RequeueExpiredLeases returns running jobs with expired leases to the
// queue for redelivery. The attempt number is not changed; the next
// delivery is the same attempt and downstream dedup absorbs any double
// effect. Returns the number of jobs requeued.
func (db *DB) RequeueExpiredLeases(now time.Time) (int64, error) {
	result, err := db.Exec(`
		UPDATE sync_jobs
		SET status = 'queued', worker_id = NULL, started_at = NULL,
		    lease_token = NULL, lease_expires_at = NULL, available_at = ?
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, formatTime(now), formatTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// HasLiveSyncJob reports whether a queued or running sync job exists for
// the workspace
func (db *DB) HasLiveSyncJob(workspaceID int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE workspace_id = ? AND kind = 'sync' AND status IN ('queued','running')
	`, workspaceID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// JobFilter controls ListJobs
type JobFilter struct {
	Status      JobStatus
	Lane        string
	Kind        JobKind
	WorkspaceID *int64
	Limit       int
}

// ListJobs returns jobs matching the filter, newest first
func (db *DB) ListJobs(filter JobFilter) ([]SyncJob, error) {
	query := `
		SELECT j.id, j.lane, j.kind, j.workspace_id, j.attempt, j.max_attempts, j.status,
		       j.available_at, j.enqueued_at, j.started_at, j.finished_at, j.worker_id,
		       j.lease_token, j.lease_expires_at, j.error, COALESCE(w.name, '')
		FROM sync_jobs j
		LEFT JOIN workspaces w ON j.workspace_id = w.id
	`
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "j.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Lane != "" {
		conditions = append(conditions, "j.lane = ?")
		args = append(args, filter.Lane)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "j.kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.WorkspaceID != nil {
		conditions = append(conditions, "j.workspace_id = ?")
		args = append(args, *filter.WorkspaceID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY j.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		var j SyncJob
		var workspaceID sql.NullInt64
		var availableAt, enqueuedAt string
		var startedAt, finishedAt, workerID, leaseToken, leaseExpiresAt, errMsg sql.NullString
		err := rows.Scan(&j.ID, &j.Lane, &j.Kind, &workspaceID, &j.Attempt, &j.MaxAttempts, &j.Status,
			&availableAt, &enqueuedAt, &startedAt, &finishedAt, &workerID,
			&leaseToken, &leaseExpiresAt, &errMsg, &j.WorkspaceName)
		if err != nil {
			return nil, err
		}
		if workspaceID.Valid {
			j.WorkspaceID = &workspaceID.Int64
		}
		j.AvailableAt = parseSQLiteTime(availableAt)
		j.EnqueuedAt = parseSQLiteTime(enqueuedAt)
		if startedAt.Valid {
			t := parseSQLiteTime(startedAt.String)
			j.StartedAt = &t
		}
		if finishedAt.Valid {
			t := parseSQLiteTime(finishedAt.String)
			j.FinishedAt = &t
		}
		if workerID.Valid {
			j.WorkerID = workerID.String
		}
		if leaseToken.Valid {
			j.LeaseToken = leaseToken.String
		}
		if leaseExpiresAt.Valid {
			t := parseSQLiteTime(leaseExpiresAt.String)
			j.LeaseExpiresAt = &t
		}
		if errMsg.Valid {
			j.Error = errMsg.String
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJobCounts returns job counts by status
func (db *DB) GetJobCounts() (queued, running, done, failed, canceled int, err error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, 0, 0, err
		}
		switch JobStatus(status) {
		case JobStatusQueued:
			queued = count
		case JobStatusRunning:
			running = count
		case JobStatusDone:
			done = count
		case JobStatusFailed:
			failed = count
		case JobStatusCanceled:
			canceled = count
		}
	}
	return queued, running, done, failed, canceled, rows.Err()
}

// CountExpiredLeases returns how many running jobs hold a lease that
// already expired. A nonzero count means work is stuck until the next
// sweep requeues it.
func (db *DB) CountExpiredLeases(now time.Time) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE status = 'running' AND lease_expires_at < ?
	`, formatTime(now)).Scan(&n)
	return n, err
}

// LaneDepths returns the queued depth of each lane
func (db *DB) LaneDepths() (map[string]int, error) {
	rows, err := db.Query(`SELECT lane, COUNT(*) FROM sync_jobs WHERE status = 'queued' GROUP BY lane`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var lane string
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, err
		}
		depths[lane] = n
	}
	return depths, rows.Err()
}
