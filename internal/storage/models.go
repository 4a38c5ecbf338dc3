package storage

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by store operations. Callers classify with
// errors.Is so wrapped messages keep their context.
var (
	ErrNotFound     = errors.New("not found")
	ErrBackpressure = errors.New("queue depth limit reached")
)

// SyncStatus tracks where a workspace sits in its upstream sync lifecycle.
type SyncStatus string

const (
	SyncNever     SyncStatus = "never"
	SyncPending   SyncStatus = "pending"
	SyncSucceeded SyncStatus = "succeeded"
	SyncFailed    SyncStatus = "failed"
)

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Lanes partition the queue so slow per-workspace syncs cannot starve
// maintenance and control traffic.
const (
	LaneSync    = "sync"
	LaneProcess = "process"
	LaneCelery  = "celery"
)

// AllLanes is the claim order when a worker has no lane restriction.
var AllLanes = []string{LaneSync, LaneProcess, LaneCelery}

// JobKind identifies what a claimed job does.
type JobKind string

const (
	KindSync        JobKind = "sync"         // push one workspace tree upstream
	KindSweep       JobKind = "sweep"        // reconcile stuck and failed workspaces
	KindDispatchAll JobKind = "dispatch_all" // enqueue syncs for every dirty workspace
)

type Workspace struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	PDFPath       string     `json:"pdf_path,omitempty"`
	OwnerEmail    string     `json:"owner_email,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	SyncID        *int64     `json:"sync_id,omitempty"` // upstream tree id once bound
	SyncAttempts  int        `json:"sync_attempts"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	SoftDeleted   bool       `json:"soft_deleted,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Page struct {
	ID          int64      `json:"id"`
	WorkspaceID int64      `json:"workspace_id"`
	PageNumber  int        `json:"page_number"`
	ImagePath   string     `json:"image_path,omitempty"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	ScaleRatio  *float64   `json:"scale_ratio,omitempty"`
	ScaleUnit   string     `json:"scale_unit,omitempty"`
	SyncID      *int64     `json:"sync_id,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Polygon struct {
	ID            int64      `json:"id"`
	PageID        int64      `json:"page_id"`
	PolygonKey    string     `json:"polygon_key"`
	Vertices      string     `json:"vertices"` // JSON array of [x,y] pairs
	TotalVertices int        `json:"total_vertices"`
	SyncID        *int64     `json:"sync_id,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type SyncJob struct {
	ID             int64      `json:"id"`
	Lane           string     `json:"lane"`
	Kind           JobKind    `json:"kind"`
	WorkspaceID    *int64     `json:"workspace_id,omitempty"` // nil for control jobs
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	Status         JobStatus  `json:"status"`
	AvailableAt    time.Time  `json:"available_at"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseToken     string     `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Error          string     `json:"error,omitempty"`

	// Joined field for convenience
	WorkspaceName string `json:"workspace_name,omitempty"`
}

// InFlightEntry is one row of the at-most-one-in-flight guard.
type InFlightEntry struct {
	WorkspaceID    int64     `json:"workspace_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

type DaemonStatus struct {
	Version             string         `json:"version"`
	Uptime              string         `json:"uptime,omitempty"`
	QueuedJobs          int            `json:"queued_jobs"`
	RunningJobs         int            `json:"running_jobs"`
	CompletedJobs       int            `json:"completed_jobs"`
	FailedJobs          int            `json:"failed_jobs"`
	CanceledJobs        int            `json:"canceled_jobs"`
	LaneDepths          map[string]int `json:"lane_depths,omitempty"`
	InFlight            int            `json:"in_flight"`
	Workspaces          map[string]int `json:"workspaces,omitempty"` // count by sync_status
	ActiveWorkers       int            `json:"active_workers"`
	MaxWorkers          int            `json:"max_workers"`
	ErrorCount          int            `json:"error_count_24h"`
	ConfigReloadedAt    string         `json:"config_reloaded_at,omitempty"`    // RFC3339Nano
	ConfigReloadCounter uint64         `json:"config_reload_counter,omitempty"` // monotonic, for sub-second detection
}

// HealthStatus represents the overall daemon health
type HealthStatus struct {
	Healthy      bool              `json:"healthy"`
	Uptime       string            `json:"uptime"`
	Version      string            `json:"version"`
	Components   []ComponentHealth `json:"components"`
	RecentErrors []ErrorEntry      `json:"recent_errors"`
	ErrorCount   int               `json:"error_count_24h"`
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// ErrorEntry represents a single error log entry (mirrors daemon.ErrorEntry for API)
type ErrorEntry struct {
	Timestamp   time.Time `json:"ts"`
	Level       string    `json:"level"`
	Component   string    `json:"component"`
	Message     string    `json:"message"`
	JobID       int64     `json:"job_id,omitempty"`
	WorkspaceID int64     `json:"workspace_id,omitempty"`
}
