package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/version"
)

// maxRequestBody bounds JSON request bodies. Trigger and cancel payloads
// are a few fields; anything bigger is a client bug.
const maxRequestBody = 250 * 1024

// maxJobsLimit caps the jobs list page size.
const maxJobsLimit = 10000

// Server is the HTTP API server for the daemon
type Server struct {
	db            *storage.DB
	configWatcher *ConfigWatcher
	broadcaster   Broadcaster
	workerPool    *WorkerPool
	dispatcher    *Dispatcher
	reconciler    *Reconciler
	scheduler     *Scheduler
	httpServer    *http.Server
	errorLog      *ErrorLog
	activityLog   *ActivityLog
	startTime     time.Time

	stopOnce sync.Once
}

// NewServer wires the engine components over a shared store. executor
// performs the actual upstream push; tests substitute a scripted one.
func NewServer(db *storage.DB, cfg *config.Config, configPath string, executor SyncExecutor) *Server {
	broadcaster := NewBroadcaster()

	errorLog, err := NewErrorLog(DefaultErrorLogPath())
	if err != nil {
		log.Printf("Warning: failed to create error log: %v", err)
	}
	activityLog, err := NewActivityLog(DefaultActivityLogPath())
	if err != nil {
		log.Printf("Warning: failed to create activity log: %v", err)
	}

	// Config watcher for hot-reloading
	configWatcher := NewConfigWatcher(configPath, cfg, broadcaster)

	dispatcher := NewDispatcher(db, configWatcher, broadcaster, errorLog)
	reconciler := NewReconciler(db, dispatcher, configWatcher, broadcaster, errorLog)

	return &Server{
		db:            db,
		configWatcher: configWatcher,
		broadcaster:   broadcaster,
		workerPool:    NewWorkerPool(db, configWatcher, cfg.MaxWorkers, executor, dispatcher, reconciler, broadcaster, errorLog, activityLog),
		dispatcher:    dispatcher,
		reconciler:    reconciler,
		scheduler:     NewScheduler(db, configWatcher),
		errorLog:      errorLog,
		activityLog:   activityLog,
		startTime:     time.Now(),
	}
}

// Start brings the daemon up: clears dead runtime files, refuses to run
// beside a live daemon, requeues jobs orphaned by a previous run, then
// starts the watcher, worker pool, and scheduler before serving HTTP.
// Blocks until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Printf("Starting sync daemon (version %s)", version.Version)

	if cleaned := CleanupZombieDaemons(); cleaned > 0 {
		log.Printf("Cleaned up %d zombie daemon(s)", cleaned)
	}

	if info, err := GetAnyRunningDaemon(); err == nil && info != nil && IsDaemonAlive(info.Addr) {
		return fmt.Errorf("daemon already running at %s (pid %d)", info.Addr, info.PID)
	}

	// Running jobs whose lease lapsed while no daemon was up become
	// claimable again with the same attempt number. Unexpired leases are
	// left alone; the sweep requeues them once they pass.
	if n, err := s.db.RequeueExpiredLeases(time.Now()); err != nil {
		log.Printf("Warning: failed to requeue expired-lease jobs: %v", err)
	} else if n > 0 {
		log.Printf("Requeued %d expired-lease jobs from a previous run", n)
	}

	if err := s.configWatcher.Start(context.Background()); err != nil {
		log.Printf("Warning: config watcher not started: %v", err)
	}

	cfg := s.configWatcher.Config()
	addr, port, err := FindAvailablePort(cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("find available port: %w", err)
	}

	if err := WriteRuntime(addr, port, version.Version); err != nil {
		log.Printf("Warning: failed to write runtime file: %v", err)
	}

	if s.activityLog != nil {
		s.activityLog.Log("daemon.started", "server",
			fmt.Sprintf("daemon started on %s", addr), 0,
			map[string]string{"version": version.Version, "addr": addr})
	}

	s.workerPool.Start()
	if err := s.scheduler.Start(); err != nil {
		log.Printf("Warning: scheduler not started: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/trigger", s.handleTriggerSync)
	mux.HandleFunc("/api/sync/trigger-all", s.handleTriggerAll)
	mux.HandleFunc("/api/sweep", s.handleSweep)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/log", s.handleJobLog)
	mux.HandleFunc("/api/jobs/cancel", s.handleCancelJob)
	mux.HandleFunc("/api/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/api/errors", s.handleErrors)
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/api/events", s.handleStreamEvents)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	log.Printf("Daemon listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the daemon down in dependency order: no new control jobs,
// no new HTTP work, drain the workers, then drop the runtime file.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Printf("Shutting down daemon...")

		s.scheduler.Stop()
		s.configWatcher.Stop()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}

		s.workerPool.Stop()

		RemoveRuntime()
		if s.activityLog != nil {
			s.activityLog.Log("daemon.stopped", "server", "daemon stopped", 0, nil)
			s.activityLog.Close()
		}
		if s.errorLog != nil {
			s.errorLog.Close()
		}
		log.Printf("Daemon stopped")
	})
}

type triggerRequest struct {
	WorkspaceID int64 `json:"workspace_id"`
}

// handleTriggerSync enqueues a first-attempt sync for one workspace.
// 202 with the job on publish, 200 with skipped=true when the workspace
// is already in flight, 404 for unknown or deleted workspaces, 503 when
// the lane is saturated or the store is down.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req triggerRequest
	if !readJSONBody(w, r, &req) {
		return
	}
	if req.WorkspaceID <= 0 {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	outcome, err := s.dispatcher.EnqueueOne(req.WorkspaceID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, storage.ErrBackpressure):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if outcome.Skipped {
		writeJSON(w, http.StatusOK, outcome)
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

type triggerAllRequest struct {
	OnlyDirty *bool `json:"only_dirty"` // default true
	Limit     int   `json:"limit"`      // 0 = no limit
}

// handleTriggerAll enqueues syncs for many workspaces at once. Dirty-only
// by default; per-workspace failures are counted, not fatal.
func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req triggerAllRequest
	if !readJSONBody(w, r, &req) {
		return
	}

	onlyDirty := true
	if req.OnlyDirty != nil {
		onlyDirty = *req.OnlyDirty
	}

	res, err := s.dispatcher.EnqueueAll(onlyDirty, req.Limit)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSweep runs one reconciliation pass inline and reports what it did.
// The scheduler publishes the same work periodically; this endpoint exists
// for operators who don't want to wait for the next tick.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	res, err := s.reconciler.Run()
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatus returns queue depths, workspace counts, and worker state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queued, running, done, failed, canceled, err := s.db.GetJobCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job counts: %v", err))
		return
	}

	status := storage.DaemonStatus{
		Version:       version.Version,
		Uptime:        formatDuration(time.Since(s.startTime)),
		QueuedJobs:    queued,
		RunningJobs:   running,
		CompletedJobs: done,
		FailedJobs:    failed,
		CanceledJobs:  canceled,
		ActiveWorkers: s.workerPool.ActiveWorkers(),
		MaxWorkers:    s.workerPool.MaxWorkers(),
	}

	if depths, err := s.db.LaneDepths(); err != nil {
		log.Printf("Warning: failed to get lane depths: %v", err)
	} else {
		status.LaneDepths = depths
	}
	if n, err := s.db.InFlightCount(); err != nil {
		log.Printf("Warning: failed to count in-flight workspaces: %v", err)
	} else {
		status.InFlight = n
	}
	if counts, err := s.db.CountWorkspacesByStatus(); err != nil {
		log.Printf("Warning: failed to count workspaces: %v", err)
	} else {
		status.Workspaces = counts
	}
	if s.errorLog != nil {
		status.ErrorCount = s.errorLog.Count24h()
	}
	if t := s.configWatcher.LastReloadedAt(); !t.IsZero() {
		status.ConfigReloadedAt = t.UTC().Format(time.RFC3339Nano)
	}
	status.ConfigReloadCounter = s.configWatcher.ReloadCounter()

	writeJSON(w, http.StatusOK, status)
}

type jobDetail struct {
	storage.SyncJob
	Log string `json:"log,omitempty"`
}

type jobsResponse struct {
	Jobs    []storage.SyncJob `json:"jobs"`
	HasMore bool              `json:"has_more"`
}

// handleJobs returns a single job with its transcript when ?id= is given,
// otherwise a filtered list (?workspace_id=, ?status=, ?lane=, ?kind=,
// ?limit=) newest first.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()

	if idStr := q.Get("id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		job, err := s.db.GetJob(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("job %d not found", id))
			} else {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		detail := jobDetail{SyncJob: *job}
		if data, err := ReadJobLog(job.ID); err == nil {
			detail.Log = string(data)
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	filter := storage.JobFilter{Lane: q.Get("lane")}

	if v := q.Get("status"); v != "" {
		switch st := storage.JobStatus(v); st {
		case storage.JobStatusQueued, storage.JobStatusRunning, storage.JobStatusDone,
			storage.JobStatusFailed, storage.JobStatusCanceled:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	if v := q.Get("kind"); v != "" {
		switch k := storage.JobKind(v); k {
		case storage.KindSync, storage.KindSweep, storage.KindDispatchAll:
			filter.Kind = k
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid kind %q", v))
			return
		}
	}
	if v := q.Get("workspace_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workspace_id")
			return
		}
		filter.WorkspaceID = &id
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxJobsLimit {
		limit = maxJobsLimit
	}

	// Fetch one extra row to detect whether more pages exist
	filter.Limit = limit + 1
	jobs, err := s.db.ListJobs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, HasMore: hasMore})
}

// handleJobLog serves a job's transcript from ?offset= onward as plain
// text, for incremental tailing. X-Log-Offset carries the position to
// resume from and X-Job-Status the job state, so a poller knows when to
// stop. For running jobs the response stops at the last complete line;
// the partial tail is still being written and would be re-sent broken.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var offset int64
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.ParseInt(v, 10, 64)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	job, err := s.db.GetJob(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %d not found", id))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	f, err := os.Open(JobLogPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			if job.Status == storage.JobStatusRunning {
				// Claimed but nothing written yet; answer empty so the
				// poller keeps following instead of giving up.
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("X-Job-Status", string(job.Status))
				w.Header().Set("X-Log-Offset", "0")
				w.WriteHeader(http.StatusOK)
				return
			}
			writeError(w, http.StatusNotFound, fmt.Sprintf("no transcript for job %d", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	end := info.Size()
	if job.Status == storage.JobStatusRunning {
		end = jobLogSafeEnd(f, end)
	}
	if offset > end {
		// The file was rotated or the caller's bookkeeping is off;
		// restart from the top rather than serving nothing forever.
		offset = 0
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Job-Status", string(job.Status))
	w.Header().Set("X-Log-Offset", strconv.FormatInt(end, 10))
	w.WriteHeader(http.StatusOK)

	if end > offset {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		io.CopyN(w, f, end-offset)
	}
}

// logScanChunk is the window size for the backward newline scan.
const logScanChunk = 64 * 1024

// jobLogSafeEnd returns the offset just past the last newline at or
// before size, scanning backward in chunks so a long partial line does
// not force reading the whole file. Returns 0 when no newline exists.
func jobLogSafeEnd(f *os.File, size int64) int64 {
	buf := make([]byte, logScanChunk)
	end := size
	for end > 0 {
		start := end - logScanChunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				return start + int64(i) + 1
			}
		}
		end = start
	}
	return 0
}

type cancelRequest struct {
	JobID int64 `json:"job_id"`
}

// handleCancelJob cancels a queued job. Running jobs are not interrupted;
// cancellation is a queue operation, not a kill switch. Canceling a sync
// job resolves its workspace as failed and releases the in-flight
// reservation so the workspace can be re-triggered immediately.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req cancelRequest
	if !readJSONBody(w, r, &req) {
		return
	}
	if req.JobID <= 0 {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.db.GetJob(req.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %d not found", req.JobID))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.db.CancelJob(req.JobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race with a worker claim or a terminal transition
			msg := fmt.Sprintf("job %d is not queued", req.JobID)
			if cur, gerr := s.db.GetJob(req.JobID); gerr == nil {
				msg = fmt.Sprintf("job %d is %s, only queued jobs can be canceled", req.JobID, cur.Status)
			}
			writeError(w, http.StatusConflict, msg)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if job.WorkspaceID != nil {
		if _, err := s.dispatcher.MarkResolved(*job.WorkspaceID, job.Attempt, false, nil, "canceled by operator"); err != nil {
			log.Printf("Warning: failed to resolve workspace %d after cancel: %v", *job.WorkspaceID, err)
		}
	}

	s.broadcaster.Broadcast(Event{
		Type:          "canceled",
		TS:            time.Now(),
		JobID:         job.ID,
		WorkspaceName: job.WorkspaceName,
		Lane:          job.Lane,
		Kind:          string(job.Kind),
		Attempt:       job.Attempt,
		WorkspaceID: func() int64 {
			if job.WorkspaceID != nil {
				return *job.WorkspaceID
			}
			return 0
		}(),
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canceled": true,
		"job_id":   req.JobID,
	})
}

type createWorkspaceRequest struct {
	Name       string `json:"name"`
	PDFPath    string `json:"pdf_path"`
	OwnerEmail string `json:"owner_email"`
}

type workspacesResponse struct {
	Workspaces []storage.Workspace `json:"workspaces"`
}

// handleWorkspaces lists registered workspaces (GET) or registers a new
// one (POST)
func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeDeleted := r.URL.Query().Get("include_deleted") == "true"
		list, err := s.db.ListWorkspaces(includeDeleted)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, workspacesResponse{Workspaces: list})

	case http.MethodPost:
		var req createWorkspaceRequest
		if !readJSONBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		ws, err := s.db.CreateWorkspace(req.Name, req.PDFPath, req.OwnerEmail)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, ws)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type errorsResponse struct {
	Errors  []storage.ErrorEntry `json:"errors"`
	Count24 int                  `json:"count_24h"`
}

// handleErrors returns recent engine errors from the in-memory ring buffer
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > MaxErrorLogEntries {
		limit = MaxErrorLogEntries
	}

	resp := errorsResponse{Errors: []storage.ErrorEntry{}}
	if s.errorLog != nil {
		for _, e := range s.errorLog.RecentN(limit) {
			resp.Errors = append(resp.Errors, storage.ErrorEntry(e))
		}
		resp.Count24 = s.errorLog.Count24h()
	}
	writeJSON(w, http.StatusOK, resp)
}

type activityResponse struct {
	Entries []ActivityEntry `json:"entries"`
}

// handleActivity returns recent entries from the activity journal,
// newest first
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > activityLogCapacity {
		limit = activityLogCapacity
	}

	resp := activityResponse{Entries: []ActivityEntry{}}
	if s.activityLog != nil {
		resp.Entries = append(resp.Entries, s.activityLog.RecentN(limit)...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamEvents streams engine events as newline-delimited JSON.
// Requires ?stream=1 so a casual GET doesn't hang; ?workspace_id= filters
// to one workspace. The stream ends when the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Query().Get("stream") != "1" {
		writeError(w, http.StatusBadRequest, "stream=1 query parameter is required")
		return
	}

	var workspaceID int64
	if v := r.URL.Query().Get("workspace_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workspace_id")
			return
		}
		workspaceID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	subID, ch := s.broadcaster.Subscribe(workspaceID)
	defer s.broadcaster.Unsubscribe(subID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth reports per-component health: database reachability,
// worker liveness (running jobs with expired leases mean workers died or
// stalled), and lane saturation. 503 when any component is unhealthy so
// load balancer probes work unmodified.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	healthy := true
	var components []storage.ComponentHealth

	dbHealth := storage.ComponentHealth{Name: "database", Healthy: true}
	if err := s.db.Ping(); err != nil {
		dbHealth.Healthy = false
		dbHealth.Message = err.Error()
		healthy = false
	}
	components = append(components, dbHealth)

	workers := storage.ComponentHealth{
		Name:    "workers",
		Healthy: true,
		Message: fmt.Sprintf("%d/%d active", s.workerPool.ActiveWorkers(), s.workerPool.MaxWorkers()),
	}
	if n, err := s.db.CountExpiredLeases(time.Now()); err != nil {
		workers.Healthy = false
		workers.Message = err.Error()
		healthy = false
	} else if n > 0 {
		workers.Healthy = false
		workers.Message = fmt.Sprintf("%d running jobs with expired leases awaiting requeue", n)
		healthy = false
	}
	components = append(components, workers)

	queueHealth := storage.ComponentHealth{Name: "queue", Healthy: true}
	if depths, err := s.db.LaneDepths(); err != nil {
		queueHealth.Healthy = false
		queueHealth.Message = err.Error()
		healthy = false
	} else if maxDepth := s.configWatcher.Config().Queue.MaxDepth; maxDepth > 0 {
		var saturated []string
		for lane, depth := range depths {
			if depth >= maxDepth {
				saturated = append(saturated, lane)
			}
		}
		if len(saturated) > 0 {
			sort.Strings(saturated)
			queueHealth.Healthy = false
			queueHealth.Message = fmt.Sprintf("lanes at depth limit: %s", strings.Join(saturated, ", "))
			healthy = false
		}
	}
	components = append(components, queueHealth)

	health := storage.HealthStatus{
		Healthy:      healthy,
		Uptime:       formatDuration(time.Since(s.startTime)),
		Version:      version.Version,
		Components:   components,
		RecentErrors: []storage.ErrorEntry{},
	}
	if s.errorLog != nil {
		for _, e := range s.errorLog.RecentN(10) {
			health.RecentErrors = append(health.RecentErrors, storage.ErrorEntry(e))
		}
		health.ErrorCount = s.errorLog.Count24h()
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleShutdown triggers a graceful shutdown. The response is sent
// before Stop runs so the client sees an answer instead of a reset
// connection.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Stop()
	}()
}

// readJSONBody decodes a JSON request body into v, writing the error
// response itself on failure. An empty body decodes to the zero value.
// Returns false when the handler should stop.
func readJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body too large (max %d bytes)", maxBytesErr.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// formatDuration renders an uptime-style duration without sub-second
// noise
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
