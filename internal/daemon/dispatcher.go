package daemon

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// ErrStoreUnavailable indicates a workspace store read or write failed
// mid-operation. EnqueueOne rolls back its in-flight reservation before
// surfacing it, so no orphaned reservation outlives the error.
var ErrStoreUnavailable = errors.New("workspace store unavailable")

// WorkspaceStore is the slice of the store the dispatcher reads and stamps.
// *storage.DB satisfies it.
type WorkspaceStore interface {
	GetWorkspace(id int64) (*storage.Workspace, error)
	ListWorkspaceIDs(onlyDirty bool, limit int) ([]int64, error)
	MarkSyncPending(id int64) error
	MarkSyncResolved(id int64, attempt int, success bool, syncID *int64, errMsg string) (bool, error)
}

// InFlightSet holds the at-most-one-in-flight reservation per workspace.
// Expired reservations count as absent. *storage.DB satisfies it.
type InFlightSet interface {
	TryMarkInFlight(workspaceID int64, ttl time.Duration) (bool, error)
	ClearInFlight(workspaceID int64) error
}

// JobQueue publishes jobs to lanes. *storage.DB satisfies it.
type JobQueue interface {
	EnqueueJob(req storage.EnqueueRequest) (*storage.SyncJob, error)
}

// EnqueueOutcome reports what EnqueueOne did for one workspace.
type EnqueueOutcome struct {
	WorkspaceID int64            `json:"workspace_id"`
	Skipped     bool             `json:"skipped"` // already in flight, nothing published
	Job         *storage.SyncJob `json:"job,omitempty"`
}

// BatchResult accumulates per-item outcomes of a bulk enqueue.
type BatchResult struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Dispatcher translates sync triggers into queue jobs. The in-flight
// reservation taken before the status write and publish is what keeps
// concurrent triggers, sweeps, and scheduler ticks from double-publishing
// a workspace.
type Dispatcher struct {
	workspaces WorkspaceStore
	inflight   InFlightSet
	queue      JobQueue

	config      ConfigGetter
	broadcaster Broadcaster
	errorLog    *ErrorLog
}

// NewDispatcher wires a dispatcher over the shared store. broadcaster and
// errorLog may be nil (e.g., in tests that only care about queue state).
func NewDispatcher(db *storage.DB, cfg ConfigGetter, broadcaster Broadcaster, errorLog *ErrorLog) *Dispatcher {
	return &Dispatcher{
		workspaces:  db,
		inflight:    db,
		queue:       db,
		config:      cfg,
		broadcaster: broadcaster,
		errorLog:    errorLog,
	}
}

// EnqueueOne publishes a first-attempt sync job for one workspace.
// Unknown or soft-deleted workspaces fail with storage.ErrNotFound. A
// workspace already in flight returns Skipped without publishing; that is
// the dedup contract manual re-triggers rely on. A saturated lane fails
// with storage.ErrBackpressure. Either publish failure releases the
// reservation; the pending status is left for the reconciler's stale
// path to re-drive.
func (d *Dispatcher) EnqueueOne(workspaceID int64) (*EnqueueOutcome, error) {
	ws, err := d.workspaces.GetWorkspace(workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get workspace %d: %v", ErrStoreUnavailable, workspaceID, err)
	}
	if ws.SoftDeleted {
		return nil, fmt.Errorf("workspace %d is deleted: %w", workspaceID, storage.ErrNotFound)
	}

	cfg := d.config.Config()
	ok, err := d.inflight.TryMarkInFlight(workspaceID, cfg.Reconcile.LeaseTTL())
	if err != nil {
		return nil, fmt.Errorf("%w: reserve workspace %d: %v", ErrStoreUnavailable, workspaceID, err)
	}
	if !ok {
		return &EnqueueOutcome{WorkspaceID: workspaceID, Skipped: true}, nil
	}

	if err := d.workspaces.MarkSyncPending(workspaceID); err != nil {
		d.release(workspaceID)
		return nil, fmt.Errorf("%w: mark workspace %d pending: %v", ErrStoreUnavailable, workspaceID, err)
	}

	job, err := d.queue.EnqueueJob(storage.EnqueueRequest{
		Lane:        storage.LaneSync,
		Kind:        storage.KindSync,
		WorkspaceID: &workspaceID,
		Attempt:     1,
		MaxAttempts: cfg.Retry.MaxAttempts,
		DepthLimit:  cfg.Queue.MaxDepth,
	})
	if err != nil {
		d.release(workspaceID)
		if errors.Is(err, storage.ErrBackpressure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: publish sync job for workspace %d: %v", ErrStoreUnavailable, workspaceID, err)
	}

	if d.broadcaster != nil {
		d.broadcaster.Broadcast(Event{
			Type:          "enqueued",
			TS:            time.Now(),
			JobID:         job.ID,
			WorkspaceID:   workspaceID,
			WorkspaceName: ws.Name,
			Lane:          job.Lane,
			Kind:          string(job.Kind),
			Attempt:       job.Attempt,
		})
	}

	return &EnqueueOutcome{WorkspaceID: workspaceID, Job: job}, nil
}

// EnqueueAll runs EnqueueOne over candidate workspaces. onlyDirty skips
// workspaces whose last sync succeeded and whose content has not changed
// since. Per-item failures are logged and counted, never fatal to the
// batch. limit <= 0 means no limit.
func (d *Dispatcher) EnqueueAll(onlyDirty bool, limit int) (BatchResult, error) {
	ids, err := d.workspaces.ListWorkspaceIDs(onlyDirty, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("%w: list workspaces: %v", ErrStoreUnavailable, err)
	}

	var res BatchResult
	for _, id := range ids {
		outcome, err := d.EnqueueOne(id)
		switch {
		case err != nil:
			res.Failed++
			log.Printf("[dispatch] workspace %d: enqueue failed: %v", id, err)
			if d.errorLog != nil {
				d.errorLog.LogError("dispatch", fmt.Sprintf("enqueue failed: %v", err), 0, id)
			}
		case outcome.Skipped:
			res.Skipped++
		default:
			res.Enqueued++
		}
	}
	return res, nil
}

// MarkResolved writes the terminal sync status for a workspace and, when
// the write applies, releases the in-flight reservation. The write is
// conditional on the workspace still being pending so a late duplicate
// delivery cannot clobber a newer cycle's state. Returns whether the
// write applied. On store failure the reservation is kept: the workspace
// is still pending and the lease-expiry path will re-drive it.
func (d *Dispatcher) MarkResolved(workspaceID int64, attempt int, success bool, syncID *int64, errText string) (bool, error) {
	applied, err := d.workspaces.MarkSyncResolved(workspaceID, attempt, success, syncID, errText)
	if err != nil {
		return false, fmt.Errorf("%w: resolve workspace %d: %v", ErrStoreUnavailable, workspaceID, err)
	}
	d.release(workspaceID)
	return applied, nil
}

// release clears the in-flight reservation, logging rather than failing:
// a leaked reservation self-heals at lease expiry.
func (d *Dispatcher) release(workspaceID int64) {
	if err := d.inflight.ClearInFlight(workspaceID); err != nil {
		log.Printf("[dispatch] workspace %d: clear in-flight: %v", workspaceID, err)
	}
}
