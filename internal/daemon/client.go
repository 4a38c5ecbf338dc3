package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// Client provides an interface for interacting with the sync daemon.
// This abstraction allows for easy mocking in tests.
type Client interface {
	// TriggerSync enqueues a sync for one workspace
	TriggerSync(workspaceID int64) (*EnqueueOutcome, error)

	// TriggerAll enqueues syncs for many workspaces
	TriggerAll(onlyDirty bool, limit int) (*BatchResult, error)

	// Sweep runs one reconciliation pass
	Sweep() (*Result, error)

	// Status returns queue and worker counters
	Status() (*storage.DaemonStatus, error)

	// Health returns per-component health
	Health() (*storage.HealthStatus, error)

	// GetJob returns one job and its transcript
	GetJob(jobID int64) (*storage.SyncJob, string, error)

	// ListJobs returns jobs matching the query, newest first
	ListJobs(query JobsQuery) ([]storage.SyncJob, bool, error)

	// CancelJob cancels a queued job
	CancelJob(jobID int64) error

	// ListWorkspaces returns registered workspaces
	ListWorkspaces(includeDeleted bool) ([]storage.Workspace, error)

	// GetWorkspace returns one workspace by ID
	GetWorkspace(workspaceID int64) (*storage.Workspace, error)

	// CreateWorkspace registers a new workspace
	CreateWorkspace(name, pdfPath, ownerEmail string) (*storage.Workspace, error)

	// RecentErrors returns recent engine errors and the 24h count
	RecentErrors(limit int) ([]storage.ErrorEntry, int, error)

	// RecentActivity returns recent activity journal entries
	RecentActivity(limit int) ([]ActivityEntry, error)

	// JobLog reads a job's transcript from offset onward
	JobLog(jobID, offset int64) (*JobLogChunk, error)

	// WaitForJob polls until a job reaches a terminal status
	WaitForJob(jobID int64) (*storage.SyncJob, error)
}

// JobLogChunk is one incremental read of a job transcript. Offset is
// the position to pass on the next read; Status is the job's status at
// read time so pollers know when the transcript is final.
type JobLogChunk struct {
	Content string
	Offset  int64
	Status  string
}

// JobsQuery filters the jobs list. Zero values mean no filter.
type JobsQuery struct {
	WorkspaceID int64
	Status      string
	Lane        string
	Kind        string
	Limit       int
}

// DefaultPollInterval is the default polling interval for WaitForJob.
// Tests can override this to speed up polling-based tests.
var DefaultPollInterval = 2 * time.Second

// HTTPClient is the default HTTP-based implementation of Client
type HTTPClient struct {
	addr         string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPClient creates a new HTTP daemon client
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{
		addr:         addr,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: DefaultPollInterval,
	}
}

// NewHTTPClientFromRuntime creates an HTTP client using daemon runtime info
func NewHTTPClientFromRuntime() (*HTTPClient, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		info, err := GetAnyRunningDaemon()
		if err == nil {
			return NewHTTPClient(fmt.Sprintf("http://%s", info.Addr)), nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon not running: %w", lastErr)
}

// SetPollInterval sets the polling interval for WaitForJob
func (c *HTTPClient) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
}

func (c *HTTPClient) TriggerSync(workspaceID int64) (*EnqueueOutcome, error) {
	reqBody, _ := json.Marshal(map[string]int64{"workspace_id": workspaceID})

	resp, err := c.httpClient.Post(c.addr+"/api/sync/trigger", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		var outcome EnqueueOutcome
		if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
			return nil, err
		}
		return &outcome, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("workspace %d: %w", workspaceID, storage.ErrNotFound)
	default:
		return nil, apiError(resp)
	}
}

func (c *HTTPClient) TriggerAll(onlyDirty bool, limit int) (*BatchResult, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"only_dirty": onlyDirty,
		"limit":      limit,
	})

	resp, err := c.httpClient.Post(c.addr+"/api/sync/trigger-all", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var res BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Sweep() (*Result, error) {
	resp, err := c.httpClient.Post(c.addr+"/api/sweep", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Status() (*storage.DaemonStatus, error) {
	resp, err := c.httpClient.Get(c.addr + "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var status storage.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPClient) Health() (*storage.HealthStatus, error) {
	resp, err := c.httpClient.Get(c.addr + "/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// An unhealthy daemon answers 503 with the same body shape
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError(resp)
	}

	var health storage.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *HTTPClient) GetJob(jobID int64) (*storage.SyncJob, string, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/api/jobs?id=%d", c.addr, jobID))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("job %d: %w", jobID, storage.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", apiError(resp)
	}

	var detail struct {
		storage.SyncJob
		Log string `json:"log"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, "", err
	}
	return &detail.SyncJob, detail.Log, nil
}

func (c *HTTPClient) ListJobs(query JobsQuery) ([]storage.SyncJob, bool, error) {
	params := url.Values{}
	if query.WorkspaceID > 0 {
		params.Set("workspace_id", strconv.FormatInt(query.WorkspaceID, 10))
	}
	if query.Status != "" {
		params.Set("status", query.Status)
	}
	if query.Lane != "" {
		params.Set("lane", query.Lane)
	}
	if query.Kind != "" {
		params.Set("kind", query.Kind)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}

	reqURL := c.addr + "/api/jobs"
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, apiError(resp)
	}

	var result struct {
		Jobs    []storage.SyncJob `json:"jobs"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, err
	}
	return result.Jobs, result.HasMore, nil
}

func (c *HTTPClient) CancelJob(jobID int64) error {
	reqBody, _ := json.Marshal(map[string]int64{"job_id": jobID})

	resp, err := c.httpClient.Post(c.addr+"/api/jobs/cancel", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("job %d: %w", jobID, storage.ErrNotFound)
	default:
		return apiError(resp)
	}
}

func (c *HTTPClient) ListWorkspaces(includeDeleted bool) ([]storage.Workspace, error) {
	reqURL := c.addr + "/api/workspaces"
	if includeDeleted {
		reqURL += "?include_deleted=true"
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Workspaces []storage.Workspace `json:"workspaces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Workspaces, nil
}

// GetWorkspace fetches one workspace by listing and filtering. The daemon
// has no single-workspace endpoint; workspace counts are small enough
// that this doesn't matter.
func (c *HTTPClient) GetWorkspace(workspaceID int64) (*storage.Workspace, error) {
	workspaces, err := c.ListWorkspaces(true)
	if err != nil {
		return nil, err
	}
	for i := range workspaces {
		if workspaces[i].ID == workspaceID {
			return &workspaces[i], nil
		}
	}
	return nil, fmt.Errorf("workspace %d: %w", workspaceID, storage.ErrNotFound)
}

func (c *HTTPClient) CreateWorkspace(name, pdfPath, ownerEmail string) (*storage.Workspace, error) {
	reqBody, _ := json.Marshal(map[string]string{
		"name":        name,
		"pdf_path":    pdfPath,
		"owner_email": ownerEmail,
	})

	resp, err := c.httpClient.Post(c.addr+"/api/workspaces", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var ws storage.Workspace
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *HTTPClient) RecentErrors(limit int) ([]storage.ErrorEntry, int, error) {
	reqURL := c.addr + "/api/errors"
	if limit > 0 {
		reqURL += "?limit=" + strconv.Itoa(limit)
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, apiError(resp)
	}

	var result struct {
		Errors  []storage.ErrorEntry `json:"errors"`
		Count24 int                  `json:"count_24h"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, err
	}
	return result.Errors, result.Count24, nil
}

func (c *HTTPClient) RecentActivity(limit int) ([]ActivityEntry, error) {
	reqURL := c.addr + "/api/activity"
	if limit > 0 {
		reqURL += "?limit=" + strconv.Itoa(limit)
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Entries []ActivityEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *HTTPClient) JobLog(jobID, offset int64) (*JobLogChunk, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/api/jobs/log?id=%d&offset=%d", c.addr, jobID, offset))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job %d transcript: %w", jobID, storage.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	next, _ := strconv.ParseInt(resp.Header.Get("X-Log-Offset"), 10, 64)
	return &JobLogChunk{
		Content: string(body),
		Offset:  next,
		Status:  resp.Header.Get("X-Job-Status"),
	}, nil
}

// WaitForJob polls until the job reaches done, failed, or canceled.
// Retries reuse the same job row, so one ID stays valid across the whole
// attempt sequence. The caller inspects Status and Error on the result.
func (c *HTTPClient) WaitForJob(jobID int64) (*storage.SyncJob, error) {
	for {
		job, _, err := c.GetJob(jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("polling job %d: %w", jobID, err)
		}

		switch job.Status {
		case storage.JobStatusDone, storage.JobStatusFailed, storage.JobStatusCanceled:
			return job, nil
		}

		time.Sleep(c.pollInterval)
	}
}

// apiError turns an error response into a readable error, preferring the
// server's own message over the bare status line.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
