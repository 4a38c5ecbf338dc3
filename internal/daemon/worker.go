package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/tto"
)

// SyncExecutor pushes one workspace tree upstream. The worker pool owns
// the job lifecycle and the terminal workspace status; the executor only
// moves data and must be safe to re-run for the same workspace.
type SyncExecutor interface {
	SyncWorkspace(ctx context.Context, workspaceID int64, progress tto.Progress) (*tto.SyncReport, error)
}

// WorkerPool claims jobs from the queue lanes and executes them
type WorkerPool struct {
	db          *storage.DB
	cfgGetter   ConfigGetter
	executor    SyncExecutor
	dispatcher  *Dispatcher
	reconciler  *Reconciler
	broadcaster Broadcaster
	errorLog    *ErrorLog
	activityLog *ActivityLog

	numWorkers    int
	lanes         []string
	activeWorkers atomic.Int32
	stopCh        chan struct{}
	readyCh       chan struct{} // closed after wg.Add in Start
	startOnce     sync.Once
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. Lanes are snapshotted from
// config at construction; changing them requires a daemon restart.
func NewWorkerPool(db *storage.DB, cfgGetter ConfigGetter, numWorkers int, executor SyncExecutor, dispatcher *Dispatcher, reconciler *Reconciler, broadcaster Broadcaster, errorLog *ErrorLog, activityLog *ActivityLog) *WorkerPool {
	lanes := cfgGetter.Config().Queue.Lanes
	if len(lanes) == 0 {
		lanes = storage.AllLanes
	}
	return &WorkerPool{
		db:          db,
		cfgGetter:   cfgGetter,
		executor:    executor,
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		errorLog:    errorLog,
		activityLog: activityLog,
		numWorkers:  numWorkers,
		lanes:       append([]string(nil), lanes...),
		stopCh:      make(chan struct{}),
		readyCh:     make(chan struct{}),
	}
}

// Start begins the worker pool. Safe to call multiple times;
// only the first call spawns workers.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		log.Printf(
			"Starting worker pool with %d workers on lanes %v",
			wp.numWorkers, wp.lanes,
		)
		wp.wg.Add(wp.numWorkers)
		close(wp.readyCh)
		for i := 0; i < wp.numWorkers; i++ {
			go wp.worker(i)
		}
	})
}

// Stop gracefully shuts down the worker pool. Safe to call
// multiple times; only the first call performs shutdown.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		log.Println("Stopping worker pool...")
		close(wp.stopCh)
		// Wait for Start to finish wg.Add before calling Wait.
		// If Start was never called, readyCh stays open but
		// stopCh is closed, so any late workers exit immediately.
		select {
		case <-wp.readyCh:
			wp.wg.Wait()
		default:
		}
		log.Println("Worker pool stopped")
	})
}

// ActiveWorkers returns the number of workers currently executing a job
func (wp *WorkerPool) ActiveWorkers() int {
	return int(wp.activeWorkers.Load())
}

// MaxWorkers returns the total number of workers in the pool
func (wp *WorkerPool) MaxWorkers() int {
	return wp.numWorkers
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)

	log.Printf("[%s] Started", workerID)

	for {
		select {
		case <-wp.stopCh:
			log.Printf("[%s] Shutting down", workerID)
			return
		default:
		}

		// Try to claim a job
		cfg := wp.cfgGetter.Config()
		job, err := wp.db.ClaimJob(workerID, wp.lanes, cfg.Reconcile.LeaseTTL())
		if err != nil {
			log.Printf("[%s] Error claiming job: %v", workerID, err)
			if wp.errorLog != nil {
				wp.errorLog.LogError("worker", fmt.Sprintf("claim job: %v", err), 0, 0)
			}
			time.Sleep(5 * time.Second)
			continue
		}

		if job == nil {
			// No jobs available, wait and retry
			time.Sleep(2 * time.Second)
			continue
		}

		wp.activeWorkers.Add(1)
		wp.processJob(workerID, job)
		wp.activeWorkers.Add(-1)
	}
}

// processJob routes a claimed job by kind. The switch is closed on
// purpose: a kind this build does not know is a deployment mismatch,
// and retrying cannot fix it.
func (wp *WorkerPool) processJob(workerID string, job *storage.SyncJob) {
	switch job.Kind {
	case storage.KindSync:
		wp.processSyncJob(workerID, job)
	case storage.KindSweep, storage.KindDispatchAll:
		wp.processControlJob(workerID, job)
	default:
		log.Printf("[%s] Job %d has unknown kind %q, failing", workerID, job.ID, job.Kind)
		errMsg := fmt.Sprintf("unknown job kind %q", job.Kind)
		if updated, err := wp.db.FailJob(job.ID, job.LeaseToken, errMsg); err != nil {
			log.Printf("[%s] Error failing job %d: %v", workerID, job.ID, err)
		} else if updated && wp.errorLog != nil {
			wp.errorLog.LogError("worker", fmt.Sprintf("job %d: %s", job.ID, errMsg), job.ID, 0)
		}
	}
}

// processSyncJob runs one sync attempt for a workspace. Delivery is
// at-least-once, so the first step is a dedup read: a workspace whose
// recorded terminal attempt already covers this job's attempt was
// settled by an earlier delivery, and the job is acknowledged without
// touching the upstream.
func (wp *WorkerPool) processSyncJob(workerID string, job *storage.SyncJob) {
	if job.WorkspaceID == nil {
		log.Printf("[%s] Job %d is a sync job without a workspace, failing", workerID, job.ID)
		if _, err := wp.db.FailJob(job.ID, job.LeaseToken, "sync job has no workspace"); err != nil {
			log.Printf("[%s] Error failing job %d: %v", workerID, job.ID, err)
		}
		return
	}
	wsID := *job.WorkspaceID

	log.Printf("[%s] Processing job %d workspace %d attempt %d/%d",
		workerID, job.ID, wsID, job.Attempt, job.MaxAttempts)
	jobStart := time.Now()

	// Snapshot config once to ensure consistent settings throughout the job.
	// This prevents mixed settings if config reloads mid-job.
	cfg := wp.cfgGetter.Config()

	ws, err := wp.db.GetWorkspace(wsID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[%s] Job %d: workspace %d no longer exists, discarding", workerID, job.ID, wsID)
			wp.ackJob(workerID, job)
			wp.dispatcher.release(wsID)
			return
		}
		// Store unreadable: leave the job leased, the lease-expiry
		// requeue will redeliver it once the store is back.
		log.Printf("[%s] Error reading workspace %d for job %d: %v", workerID, wsID, job.ID, err)
		if wp.errorLog != nil {
			wp.errorLog.LogError("worker", fmt.Sprintf("read workspace for job %d: %v", job.ID, err), job.ID, wsID)
		}
		return
	}
	if ws.SoftDeleted {
		log.Printf("[%s] Job %d: workspace %d was deleted, discarding", workerID, job.ID, wsID)
		wp.ackJob(workerID, job)
		wp.dispatcher.release(wsID)
		return
	}
	if (ws.SyncStatus == storage.SyncSucceeded || ws.SyncStatus == storage.SyncFailed) && ws.SyncAttempts >= job.Attempt {
		log.Printf("[%s] Job %d: workspace %d already resolved at attempt %d, discarding duplicate",
			workerID, job.ID, wsID, ws.SyncAttempts)
		wp.ackJob(workerID, job)
		return
	}

	wp.broadcaster.Broadcast(Event{
		Type:          "started",
		TS:            time.Now(),
		JobID:         job.ID,
		WorkspaceID:   wsID,
		WorkspaceName: ws.Name,
		Lane:          job.Lane,
		Kind:          string(job.Kind),
		Attempt:       job.Attempt,
	})
	wp.logActivity("job.started",
		fmt.Sprintf("job %d started by %s", job.ID, workerID), wsID,
		map[string]string{
			"job_id":    fmt.Sprintf("%d", job.ID),
			"worker":    workerID,
			"workspace": ws.Name,
			"attempt":   fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts),
		})

	// Per-job transcript for the logs command. The sync still runs if
	// the file cannot be created.
	var transcript io.Writer
	if logFile := openJobLog(job.ID); logFile != nil {
		defer logFile.Close()
		transcript = &safeWriter{w: logFile}
	}
	progress := func(format string, args ...interface{}) {
		if transcript == nil {
			return
		}
		fmt.Fprintf(transcript, "%s %s\n",
			time.Now().UTC().Format(time.RFC3339),
			fmt.Sprintf(format, args...))
	}
	progress("sync workspace %d %q attempt %d/%d", wsID, ws.Name, job.Attempt, job.MaxAttempts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout())
	defer cancel()

	report, err := wp.executor.SyncWorkspace(ctx, wsID, progress)
	if err != nil {
		errMsg := fmt.Sprintf("sync: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("sync timed out after %v", cfg.JobTimeout())
		}
		progress("failed: %s", errMsg)
		log.Printf("[%s] Sync error on job %d workspace %d: %v", workerID, job.ID, wsID, err)
		wp.failOrRetry(workerID, job, errMsg)
		return
	}

	var syncID *int64
	if report.ProjectID != 0 {
		syncID = &report.ProjectID
	}
	applied, err := wp.dispatcher.MarkResolved(wsID, job.Attempt, true, syncID, "")
	if err != nil {
		// Leave the job leased: redelivery after lease expiry repeats
		// the idempotent sync and retries this write.
		log.Printf("[%s] Error resolving workspace %d after job %d: %v", workerID, wsID, job.ID, err)
		if wp.errorLog != nil {
			wp.errorLog.LogError("worker", fmt.Sprintf("resolve workspace after job %d: %v", job.ID, err), job.ID, wsID)
		}
		return
	}
	if !applied {
		log.Printf("[%s] Job %d: workspace %d resolved by another delivery, dropping stale result", workerID, job.ID, wsID)
	}

	wp.ackJob(workerID, job)

	progress("done: %s", report.Summary())
	log.Printf("[%s] Job %d workspace %d completed in %v: %s",
		workerID, job.ID, wsID,
		time.Since(jobStart).Round(time.Millisecond), report.Summary())
	wp.broadcaster.Broadcast(Event{
		Type:          "succeeded",
		TS:            time.Now(),
		JobID:         job.ID,
		WorkspaceID:   wsID,
		WorkspaceName: ws.Name,
		Lane:          job.Lane,
		Kind:          string(job.Kind),
		Attempt:       job.Attempt,
	})
	wp.logActivity("job.succeeded",
		fmt.Sprintf("job %d succeeded: %s", job.ID, report.Summary()), wsID,
		map[string]string{
			"job_id":   fmt.Sprintf("%d", job.ID),
			"worker":   workerID,
			"duration": time.Since(jobStart).Round(time.Millisecond).String(),
		})
}

// processControlJob runs the maintenance kinds. They carry no
// workspace, so failure handling skips the workspace bookkeeping and
// only drives the job row.
func (wp *WorkerPool) processControlJob(workerID string, job *storage.SyncJob) {
	log.Printf("[%s] Processing job %d %s", workerID, job.ID, job.Kind)
	jobStart := time.Now()

	var summary string
	var err error
	switch job.Kind {
	case storage.KindSweep:
		var res Result
		res, err = wp.reconciler.Run()
		if err == nil {
			summary = fmt.Sprintf("requeued %d, enqueued %d, skipped %d, failed %d",
				res.RequeuedStale, res.Enqueued, res.Skipped, res.Failed)
		}
	case storage.KindDispatchAll:
		cfg := wp.cfgGetter.Config()
		var res BatchResult
		res, err = wp.dispatcher.EnqueueAll(true, cfg.Scheduler.DispatchLimit)
		if err == nil {
			summary = fmt.Sprintf("enqueued %d, skipped %d, failed %d",
				res.Enqueued, res.Skipped, res.Failed)
		}
	}

	if err != nil {
		log.Printf("[%s] %s error on job %d: %v", workerID, job.Kind, job.ID, err)
		wp.failOrRetry(workerID, job, fmt.Sprintf("%s: %v", job.Kind, err))
		return
	}

	wp.ackJob(workerID, job)
	log.Printf("[%s] Job %d %s completed in %v: %s",
		workerID, job.ID, job.Kind,
		time.Since(jobStart).Round(time.Millisecond), summary)

	event := "sweep.completed"
	if job.Kind == storage.KindDispatchAll {
		event = "dispatch.completed"
	}
	wp.logActivity(event, summary, 0, map[string]string{
		"job_id": fmt.Sprintf("%d", job.ID),
		"worker": workerID,
	})
}

// logActivity writes a journal entry when the journal is wired in.
// All worker pool entries carry the "worker" component.
func (wp *WorkerPool) logActivity(event, message string, workspaceID int64, details map[string]string) {
	if wp.activityLog == nil {
		return
	}
	wp.activityLog.Log(event, "worker", message, workspaceID, details)
}

// ackJob completes the job row under its lease. A lost lease is logged,
// not escalated: the delivery that holds the job now owns its outcome.
func (wp *WorkerPool) ackJob(workerID string, job *storage.SyncJob) {
	if updated, err := wp.db.CompleteJob(job.ID, job.LeaseToken); err != nil {
		log.Printf("[%s] Error completing job %d: %v", workerID, job.ID, err)
	} else if !updated {
		log.Printf("[%s] Job %d lease lost before completion", workerID, job.ID)
	}
}

// failOrRetry queues the job for another attempt with backoff, or
// settles it as failed once attempts are exhausted.
func (wp *WorkerPool) failOrRetry(workerID string, job *storage.SyncJob, errorMsg string) {
	if job.Attempt >= job.MaxAttempts {
		wp.failJob(workerID, job, errorMsg)
		return
	}

	cfg := wp.cfgGetter.Config()
	if job.WorkspaceID != nil {
		// Keep the workspace row current while the cycle is live:
		// attempts so far and the latest error. Status stays pending.
		if err := wp.db.RecordSyncFailure(*job.WorkspaceID, job.Attempt, errorMsg); err != nil {
			log.Printf("[%s] Error recording failure for workspace %d: %v", workerID, *job.WorkspaceID, err)
		}
	}

	delay := backoffDelay(&cfg.Retry, job.Attempt)
	retried, err := wp.db.RetryJob(job.ID, job.LeaseToken, errorMsg, time.Now().Add(delay))
	if err != nil {
		log.Printf("[%s] Error retrying job %d: %v", workerID, job.ID, err)
		wp.failJob(workerID, job, errorMsg)
		return
	}
	if !retried {
		// Lease lost mid-run; whoever holds the job now owns the outcome.
		log.Printf("[%s] Job %d lease lost, skipping retry", workerID, job.ID)
		return
	}

	log.Printf("[%s] Job %d queued for retry (%d/%d) in %v",
		workerID, job.ID, job.Attempt+1, job.MaxAttempts, delay.Round(time.Millisecond))
	event := Event{
		Type:    "retrying",
		TS:      time.Now(),
		JobID:   job.ID,
		Lane:    job.Lane,
		Kind:    string(job.Kind),
		Attempt: job.Attempt + 1,
		Error:   errorMsg,
	}
	if job.WorkspaceID != nil {
		event.WorkspaceID = *job.WorkspaceID
	}
	wp.broadcaster.Broadcast(event)
	wp.logActivity("job.retrying",
		fmt.Sprintf("job %d queued for retry %d/%d", job.ID, job.Attempt+1, job.MaxAttempts),
		event.WorkspaceID,
		map[string]string{
			"job_id": fmt.Sprintf("%d", job.ID),
			"worker": workerID,
			"delay":  delay.Round(time.Millisecond).String(),
			"error":  errorMsg,
		})
}

// failJob settles the workspace as failed, then the job row. If the
// workspace write fails the job is left leased so a redelivery can
// retry the resolution.
func (wp *WorkerPool) failJob(workerID string, job *storage.SyncJob, errorMsg string) {
	var wsID int64
	if job.WorkspaceID != nil {
		wsID = *job.WorkspaceID
		applied, err := wp.dispatcher.MarkResolved(wsID, job.Attempt, false, nil, errorMsg)
		if err != nil {
			log.Printf("[%s] Error resolving workspace %d after job %d: %v", workerID, wsID, job.ID, err)
			if wp.errorLog != nil {
				wp.errorLog.LogError("worker", fmt.Sprintf("resolve workspace after job %d: %v", job.ID, err), job.ID, wsID)
			}
			return
		}
		if !applied {
			log.Printf("[%s] Job %d: workspace %d resolved by another delivery", workerID, job.ID, wsID)
		}
	}

	if updated, err := wp.db.FailJob(job.ID, job.LeaseToken, errorMsg); err != nil {
		log.Printf("[%s] Error failing job %d: %v", workerID, job.ID, err)
	} else if updated {
		log.Printf("[%s] Job %d failed after %d attempts: %s", workerID, job.ID, job.Attempt, errorMsg)
		wp.broadcaster.Broadcast(Event{
			Type:        "failed",
			TS:          time.Now(),
			JobID:       job.ID,
			WorkspaceID: wsID,
			Lane:        job.Lane,
			Kind:        string(job.Kind),
			Attempt:     job.Attempt,
			Error:       errorMsg,
		})
		if wp.errorLog != nil {
			wp.errorLog.LogError("worker", fmt.Sprintf("job %d failed after %d attempts: %s", job.ID, job.Attempt, errorMsg), job.ID, wsID)
		}
		wp.logActivity("job.failed",
			fmt.Sprintf("job %d failed after %d attempts", job.ID, job.Attempt), wsID,
			map[string]string{
				"job_id": fmt.Sprintf("%d", job.ID),
				"worker": workerID,
				"error":  errorMsg,
			})
	}
}

// backoffDelay grows exponentially with the attempt just made, plus a
// random jitter so a burst of failures does not retry in lockstep.
func backoffDelay(r *config.RetryConfig, attempt int) time.Duration {
	mult := r.Multiplier
	if mult <= 0 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(r.BaseDelay()) * math.Pow(mult, float64(attempt-1)))
	if j := r.Jitter(); j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}
