package main

import (
	"fmt"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// exitError is an error that signals a specific exit code
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// jobElapsed renders how long a job has been running, or took to finish.
// Unstarted jobs render as an empty string.
func jobElapsed(j storage.SyncJob) string {
	if j.StartedAt == nil {
		return ""
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt).Round(time.Second).String()
	}
	return time.Since(*j.StartedAt).Round(time.Second).String() + "..."
}

// jobTarget renders what a job operates on: the workspace name (or id)
// for sync jobs, the kind itself for control jobs.
func jobTarget(j storage.SyncJob) string {
	if j.WorkspaceID == nil {
		return string(j.Kind)
	}
	if j.WorkspaceName != "" {
		return j.WorkspaceName
	}
	return fmt.Sprintf("workspace %d", *j.WorkspaceID)
}

// workspaceSyncedAgo renders the age of a workspace's last successful sync.
func workspaceSyncedAgo(ws storage.Workspace) string {
	if ws.SyncedAt == nil {
		return "never"
	}
	return time.Since(*ws.SyncedAt).Round(time.Minute).String() + " ago"
}
