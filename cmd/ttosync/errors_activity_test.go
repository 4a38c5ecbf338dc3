package main

import (
	"strings"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

func TestErrorsCommand(t *testing.T) {
	t.Run("empty log shows message", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := errorsCmd()
			cmd.SetArgs([]string{})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		if !strings.Contains(output, "No recent errors.") {
			t.Errorf("unexpected output: %s", output)
		}
	})

	t.Run("renders entries with context and 24h count", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()
		md.State.mu.Lock()
		md.State.errors = []storage.ErrorEntry{
			{
				Timestamp:   time.Now().Add(-90 * time.Second),
				Level:       "error",
				Component:   "worker",
				Message:     "tto: page upload rejected",
				JobID:       7,
				WorkspaceID: 3,
			},
			{
				Timestamp: time.Now().Add(-5 * time.Minute),
				Level:     "warn",
				Component: "scheduler",
				Message:   "sweep found 2 stale leases",
			},
		}
		md.State.mu.Unlock()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := errorsCmd()
			cmd.SetArgs([]string{})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		wants := []string{
			"error worker: tto: page upload rejected (job 7) (workspace 3)",
			"warn scheduler: sweep found 2 stale leases",
			"2 error(s) in the last 24h",
		}
		for _, want := range wants {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q, got: %s", want, output)
			}
		}
	})
}

func TestActivityCommand(t *testing.T) {
	t.Run("empty journal shows message", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := activityCmd()
			cmd.SetArgs([]string{})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		if !strings.Contains(output, "No recent activity.") {
			t.Errorf("unexpected output: %s", output)
		}
	})

	t.Run("renders journal entries", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()
		md.State.mu.Lock()
		md.State.activity = []daemon.ActivityEntry{
			{
				Timestamp:   time.Now().Add(-30 * time.Second),
				Event:       "sync_done",
				Component:   "worker",
				Message:     "pushed 3 pages, 12 polygons",
				WorkspaceID: 3,
			},
			{
				Timestamp: time.Now().Add(-2 * time.Minute),
				Event:     "dispatch",
				Component: "scheduler",
				Message:   "enqueued 2 workspaces",
			},
		}
		md.State.mu.Unlock()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := activityCmd()
			cmd.SetArgs([]string{})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		wants := []string{
			"worker sync_done: pushed 3 pages, 12 polygons (workspace 3)",
			"scheduler dispatch: enqueued 2 workspaces",
		}
		for _, want := range wants {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q, got: %s", want, output)
			}
		}
	})
}
