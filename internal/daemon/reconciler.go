package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// Result summarizes one reconciler pass.
type Result struct {
	RequeuedStale int `json:"requeued_stale"` // expired-lease jobs reset to queued
	Enqueued      int `json:"enqueued"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// Reconciler is the self-healing path for lost messages and stuck
// workspaces. It requeues jobs whose worker lease expired, then re-drives
// workspaces orphaned in pending or parked in failed, feeding each one
// back through the dispatcher so overlapping passes cannot double-enqueue.
type Reconciler struct {
	db          *storage.DB
	dispatcher  *Dispatcher
	config      ConfigGetter
	broadcaster Broadcaster
	errorLog    *ErrorLog
}

// NewReconciler wires a reconciler over the shared store and dispatcher.
func NewReconciler(db *storage.DB, dispatcher *Dispatcher, cfg ConfigGetter, broadcaster Broadcaster, errorLog *ErrorLog) *Reconciler {
	return &Reconciler{
		db:          db,
		dispatcher:  dispatcher,
		config:      cfg,
		broadcaster: broadcaster,
		errorLog:    errorLog,
	}
}

// Run performs one reconciliation pass. Candidates are bounded by
// reconcile.sweep_limit per pass; anything left over is picked up by the
// next pass. Per-workspace enqueue failures are counted, never fatal.
//
// A workspace parked in failed re-surfaces here once its attempt count
// drops below the configured maximum, so raising retry.max_attempts in
// the config re-drives previously exhausted workspaces after cooldown.
func (r *Reconciler) Run() (Result, error) {
	now := time.Now()
	cfg := r.config.Config()
	var res Result

	// Jobs whose worker died mid-claim become claimable again with the
	// same attempt number once the lease passes.
	requeued, err := r.db.RequeueExpiredLeases(now)
	if err != nil {
		return res, fmt.Errorf("%w: requeue expired leases: %v", ErrStoreUnavailable, err)
	}
	res.RequeuedStale = int(requeued)
	if requeued > 0 {
		log.Printf("[sweep] requeued %d expired-lease jobs", requeued)
	}

	// Housekeeping: expired reservations already count as absent for
	// TryMarkInFlight, dropping the rows just keeps the table small.
	if _, err := r.db.PruneExpiredInFlight(now); err != nil {
		log.Printf("[sweep] prune expired in-flight entries: %v", err)
	}

	limit := cfg.Reconcile.SweepLimit
	if limit <= 0 {
		limit = 50
	}

	// Pending workspaces with no live sync job were orphaned between
	// dispatch and resolution (crash, lost publish). Only re-drive them
	// after the lease TTL so an active worker is never raced.
	staleBefore := now.Add(-cfg.Reconcile.LeaseTTL())
	candidates, err := r.db.ListStalePendingWorkspaces(staleBefore, limit)
	if err != nil {
		return res, fmt.Errorf("%w: list stale pending workspaces: %v", ErrStoreUnavailable, err)
	}

	if remaining := limit - len(candidates); remaining > 0 {
		cooldownBefore := now.Add(-cfg.Reconcile.Cooldown())
		retryable, err := r.db.ListRetryableFailedWorkspaces(cfg.Retry.MaxAttempts, cooldownBefore, remaining)
		if err != nil {
			return res, fmt.Errorf("%w: list retryable failed workspaces: %v", ErrStoreUnavailable, err)
		}
		candidates = append(candidates, retryable...)
	}

	for _, id := range candidates {
		outcome, err := r.dispatcher.EnqueueOne(id)
		switch {
		case err != nil:
			res.Failed++
			log.Printf("[sweep] workspace %d: re-enqueue failed: %v", id, err)
			if r.errorLog != nil {
				r.errorLog.LogError("sweep", fmt.Sprintf("re-enqueue failed: %v", err), 0, id)
			}
		case outcome.Skipped:
			res.Skipped++
		default:
			res.Enqueued++
		}
	}

	if res.RequeuedStale > 0 || res.Enqueued > 0 || res.Failed > 0 {
		log.Printf("[sweep] pass done: requeued=%d enqueued=%d skipped=%d failed=%d",
			res.RequeuedStale, res.Enqueued, res.Skipped, res.Failed)
		if r.broadcaster != nil {
			r.broadcaster.Broadcast(Event{Type: "swept", TS: time.Now()})
		}
	}

	return res, nil
}
