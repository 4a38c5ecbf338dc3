package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/version"
)

// MockDaemon encapsulates a mock daemon server and its state.
type MockDaemon struct {
	Server         *httptest.Server
	State          *mockSyncState
	hooks          MockSyncHooks
	cleanup        func()
	t              *testing.T
	origServerAddr string
	origDataDir    string
}

// NewMockDaemon creates a mock daemon, points the CLI at it via a
// runtime file and the serverAddr override, and returns it. Call Close
// when done.
func NewMockDaemon(t *testing.T, hooks MockSyncHooks) *MockDaemon {
	t.Helper()
	state := newMockSyncState()

	baseHandler := createMockSyncHandler(state)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce correct methods and dispatch hooks for known paths.
		// Wrong methods return 405 to match production daemon behavior.
		switch r.URL.Path {
		case "/api/status":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnStatus != nil && hooks.OnStatus(w, r, state) {
				return
			}
		case "/api/jobs":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnGetJobs != nil && hooks.OnGetJobs(w, r, state) {
				return
			}
		case "/api/sync/trigger":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnTrigger != nil && hooks.OnTrigger(w, r, state) {
				return
			}
		case "/api/sync/trigger-all":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnTriggerAll != nil && hooks.OnTriggerAll(w, r, state) {
				return
			}
		case "/api/sweep":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnSweep != nil && hooks.OnSweep(w, r, state) {
				return
			}
		case "/api/jobs/cancel":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnCancel != nil && hooks.OnCancel(w, r, state) {
				return
			}
		case "/api/jobs/log":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnJobLog != nil && hooks.OnJobLog(w, r, state) {
				return
			}
		case "/api/workspaces":
			if r.Method != http.MethodGet && r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			if hooks.OnWorkspaces != nil && hooks.OnWorkspaces(w, r, state) {
				return
			}
		}

		baseHandler.ServeHTTP(w, r)
	})

	ts := httptest.NewServer(handler)

	// Point runtime discovery at a throwaway data dir holding a runtime
	// file for this mock, so ensureDaemon finds it.
	tmpDir := t.TempDir()
	origDataDir := os.Getenv("TTOSYNC_DATA_DIR")
	os.Setenv("TTOSYNC_DATA_DIR", tmpDir)

	mockAddr := ts.URL[7:] // strip "http://"
	info := daemon.RuntimeInfo{Addr: mockAddr, PID: os.Getpid(), Version: version.Version}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("failed to marshal runtime info: %v", err)
	}
	runtimeFile := filepath.Join(tmpDir, fmt.Sprintf("sync-daemon.%d.json", os.Getpid()))
	if err := os.WriteFile(runtimeFile, data, 0644); err != nil {
		t.Fatalf("failed to write runtime file: %v", err)
	}

	origServerAddr := serverAddr
	serverAddr = ts.URL

	m := &MockDaemon{
		Server:         ts,
		State:          state,
		hooks:          hooks,
		t:              t,
		origServerAddr: origServerAddr,
		origDataDir:    origDataDir,
	}

	m.cleanup = func() {
		ts.Close()
		if origDataDir != "" {
			os.Setenv("TTOSYNC_DATA_DIR", origDataDir)
		} else {
			os.Unsetenv("TTOSYNC_DATA_DIR")
		}
		serverAddr = origServerAddr
	}

	return m
}

// Close cleans up the mock daemon.
func (m *MockDaemon) Close() {
	m.cleanup()
}

// MockSyncHooks allows overriding specific endpoints in the mock handler.
// A hook returns true if it handled the request.
type MockSyncHooks struct {
	OnStatus     func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnGetJobs    func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnTrigger    func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnTriggerAll func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnSweep      func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnCancel     func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnJobLog     func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
	OnWorkspaces func(w http.ResponseWriter, r *http.Request, state *mockSyncState) bool
}

// mockSyncState tracks workspaces and jobs for simulating the daemon.
type mockSyncState struct {
	mu              sync.Mutex
	workspaces      map[int64]*storage.Workspace
	jobs            map[int64]*storage.SyncJob
	logs            map[int64]string // jobID -> transcript
	errors          []storage.ErrorEntry
	activity        []daemon.ActivityEntry
	nextJobID       int64
	nextWorkspaceID int64
	triggeredIDs    []int64 // workspace IDs that were triggered
	canceledJobIDs  []int64
	sweeps          int
}

func newMockSyncState() *mockSyncState {
	return &mockSyncState{
		workspaces:      make(map[int64]*storage.Workspace),
		jobs:            make(map[int64]*storage.SyncJob),
		logs:            make(map[int64]string),
		nextJobID:       1,
		nextWorkspaceID: 1,
	}
}

// AddWorkspace seeds a workspace and returns it.
func (s *mockSyncState) AddWorkspace(name string) *storage.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := &storage.Workspace{
		ID:         s.nextWorkspaceID,
		Name:       name,
		SyncStatus: storage.SyncNever,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.workspaces[ws.ID] = ws
	s.nextWorkspaceID++
	return ws
}

// AddJob seeds a job and returns it.
func (s *mockSyncState) AddJob(workspaceID int64, status storage.JobStatus) *storage.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &storage.SyncJob{
		ID:          s.nextJobID,
		Lane:        storage.LaneSync,
		Kind:        storage.KindSync,
		Status:      status,
		Attempt:     1,
		MaxAttempts: 5,
		EnqueuedAt:  time.Now(),
	}
	if workspaceID > 0 {
		job.WorkspaceID = &workspaceID
		if ws, ok := s.workspaces[workspaceID]; ok {
			job.WorkspaceName = ws.Name
		}
	}
	s.jobs[job.ID] = job
	s.nextJobID++
	return job
}

// TriggeredIDs returns workspace IDs trigger requests were recorded for.
func (s *mockSyncState) TriggeredIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, len(s.triggeredIDs))
	copy(ids, s.triggeredIDs)
	return ids
}

// mockMethodNotAllowed writes a 405 JSON error matching daemon behavior.
func mockMethodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "method not allowed",
	})
}

// createMockSyncHandler creates an HTTP handler that simulates daemon behavior
func createMockSyncHandler(state *mockSyncState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			state.mu.Lock()
			status := storage.DaemonStatus{
				Version:    version.Version,
				Uptime:     "1m0s",
				MaxWorkers: 4,
			}
			for _, job := range state.jobs {
				switch job.Status {
				case storage.JobStatusQueued:
					status.QueuedJobs++
				case storage.JobStatusRunning:
					status.RunningJobs++
				case storage.JobStatusDone:
					status.CompletedJobs++
				case storage.JobStatusFailed:
					status.FailedJobs++
				case storage.JobStatusCanceled:
					status.CanceledJobs++
				}
			}
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(status)

		case "/api/health":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			_ = json.NewEncoder(w).Encode(storage.HealthStatus{
				Healthy: true,
				Uptime:  "1m0s",
				Version: version.Version,
				Components: []storage.ComponentHealth{
					{Name: "database", Healthy: true},
					{Name: "workers", Healthy: true},
				},
			})

		case "/api/sync/trigger":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			var req struct {
				WorkspaceID int64 `json:"workspace_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)

			state.mu.Lock()
			ws, ok := state.workspaces[req.WorkspaceID]
			if !ok || ws.SoftDeleted {
				state.mu.Unlock()
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "workspace not found"})
				return
			}
			state.triggeredIDs = append(state.triggeredIDs, req.WorkspaceID)

			// One queued or running job per workspace means skip.
			for _, job := range state.jobs {
				if job.WorkspaceID != nil && *job.WorkspaceID == req.WorkspaceID &&
					(job.Status == storage.JobStatusQueued || job.Status == storage.JobStatusRunning) {
					state.mu.Unlock()
					w.WriteHeader(http.StatusOK)
					_ = json.NewEncoder(w).Encode(daemon.EnqueueOutcome{
						WorkspaceID: req.WorkspaceID,
						Skipped:     true,
					})
					return
				}
			}

			wsID := req.WorkspaceID
			job := &storage.SyncJob{
				ID:            state.nextJobID,
				Lane:          storage.LaneSync,
				Kind:          storage.KindSync,
				WorkspaceID:   &wsID,
				WorkspaceName: ws.Name,
				Status:        storage.JobStatusQueued,
				Attempt:       1,
				MaxAttempts:   5,
				EnqueuedAt:    time.Now(),
			}
			state.jobs[job.ID] = job
			state.nextJobID++
			outcome := daemon.EnqueueOutcome{WorkspaceID: req.WorkspaceID, Job: job}
			state.mu.Unlock()

			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(outcome)

		case "/api/sync/trigger-all":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			state.mu.Lock()
			var res daemon.BatchResult
			for id, ws := range state.workspaces {
				if ws.SoftDeleted {
					continue
				}
				wsID := id
				job := &storage.SyncJob{
					ID:          state.nextJobID,
					Lane:        storage.LaneSync,
					Kind:        storage.KindSync,
					WorkspaceID: &wsID,
					Status:      storage.JobStatusQueued,
					Attempt:     1,
					MaxAttempts: 5,
					EnqueuedAt:  time.Now(),
				}
				state.jobs[job.ID] = job
				state.nextJobID++
				res.Enqueued++
			}
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(res)

		case "/api/sweep":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			state.mu.Lock()
			state.sweeps++
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(daemon.Result{})

		case "/api/jobs":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			if idStr := r.URL.Query().Get("id"); idStr != "" {
				id, _ := strconv.ParseInt(idStr, 10, 64)
				state.mu.Lock()
				job, ok := state.jobs[id]
				var jobCopy storage.SyncJob
				var transcript string
				if ok {
					jobCopy = *job
					transcript = state.logs[id]
				}
				state.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_ = json.NewEncoder(w).Encode(struct {
					storage.SyncJob
					Log string `json:"log"`
				}{jobCopy, transcript})
				return
			}

			state.mu.Lock()
			var jobs []storage.SyncJob
			for _, job := range state.jobs {
				jobs = append(jobs, *job)
			}
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jobs":     jobs,
				"has_more": false,
			})

		case "/api/jobs/cancel":
			if r.Method != http.MethodPost {
				mockMethodNotAllowed(w)
				return
			}
			var req struct {
				JobID int64 `json:"job_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			state.mu.Lock()
			job, ok := state.jobs[req.JobID]
			if ok && job.Status == storage.JobStatusQueued {
				job.Status = storage.JobStatusCanceled
				state.canceledJobIDs = append(state.canceledJobIDs, req.JobID)
			}
			state.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
				return
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "canceled"})

		case "/api/jobs/log":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			id, _ := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
			offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
			state.mu.Lock()
			transcript, ok := state.logs[id]
			var status storage.JobStatus
			if job, jok := state.jobs[id]; jok {
				status = job.Status
			}
			state.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if offset < 0 || offset > int64(len(transcript)) {
				offset = 0
			}
			w.Header().Set("X-Log-Offset", strconv.FormatInt(int64(len(transcript)), 10))
			w.Header().Set("X-Job-Status", string(status))
			_, _ = w.Write([]byte(transcript[offset:]))

		case "/api/workspaces":
			switch r.Method {
			case http.MethodGet:
				includeDeleted := r.URL.Query().Get("include_deleted") == "true"
				state.mu.Lock()
				var workspaces []storage.Workspace
				for _, ws := range state.workspaces {
					if ws.SoftDeleted && !includeDeleted {
						continue
					}
					workspaces = append(workspaces, *ws)
				}
				state.mu.Unlock()
				_ = json.NewEncoder(w).Encode(map[string]any{
					"workspaces": workspaces,
				})
			case http.MethodPost:
				var req struct {
					Name       string `json:"name"`
					PDFPath    string `json:"pdf_path"`
					OwnerEmail string `json:"owner_email"`
				}
				_ = json.NewDecoder(r.Body).Decode(&req)
				state.mu.Lock()
				ws := &storage.Workspace{
					ID:         state.nextWorkspaceID,
					Name:       req.Name,
					PDFPath:    req.PDFPath,
					OwnerEmail: req.OwnerEmail,
					SyncStatus: storage.SyncNever,
					CreatedAt:  time.Now(),
					UpdatedAt:  time.Now(),
				}
				state.workspaces[ws.ID] = ws
				state.nextWorkspaceID++
				wsCopy := *ws
				state.mu.Unlock()
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(wsCopy)
			default:
				mockMethodNotAllowed(w)
			}

		case "/api/errors":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			state.mu.Lock()
			errs := make([]storage.ErrorEntry, len(state.errors))
			copy(errs, state.errors)
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errors":    errs,
				"count_24h": len(errs),
			})

		case "/api/activity":
			if r.Method != http.MethodGet {
				mockMethodNotAllowed(w)
				return
			}
			state.mu.Lock()
			entries := make([]daemon.ActivityEntry, len(state.activity))
			copy(entries, state.activity)
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"entries": entries,
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}
