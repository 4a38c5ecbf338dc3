package main

import (
	"strings"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

func TestWorkspacesListCommand(t *testing.T) {
	t.Run("empty list shows message", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := workspacesCmd()
			cmd.SetArgs([]string{"list"})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		if !strings.Contains(output, "No workspaces registered.") {
			t.Errorf("unexpected output: %s", output)
		}
	})

	t.Run("lists workspaces with sync state", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()
		ws := md.State.AddWorkspace("tower-plans")
		synced := time.Now().Add(-2 * time.Hour)
		md.State.mu.Lock()
		ws.SyncedAt = &synced
		ws.SyncStatus = storage.SyncSucceeded
		md.State.mu.Unlock()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := workspacesCmd()
			cmd.SetArgs([]string{"list"})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		for _, want := range []string{"tower-plans", "succeeded", "2h0m0s ago"} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q, got: %s", want, output)
			}
		}
	})

	t.Run("soft-deleted workspaces hidden by default", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()
		md.State.AddWorkspace("alive")
		gone := md.State.AddWorkspace("gone")
		md.State.mu.Lock()
		gone.SoftDeleted = true
		md.State.mu.Unlock()

		output := captureStdout(t, func() {
			cmd := workspacesCmd()
			cmd.SetArgs([]string{"list"})
			_ = cmd.Execute()
		})
		if strings.Contains(output, "gone") {
			t.Errorf("expected soft-deleted workspace hidden, got: %s", output)
		}

		output = captureStdout(t, func() {
			cmd := workspacesCmd()
			cmd.SetArgs([]string{"list", "--deleted"})
			_ = cmd.Execute()
		})
		if !strings.Contains(output, "gone [deleted]") {
			t.Errorf("expected deleted marker with --deleted, got: %s", output)
		}
	})
}

func TestWorkspacesAddCommand(t *testing.T) {
	t.Run("registers a workspace", func(t *testing.T) {
		md := NewMockDaemon(t, MockSyncHooks{})
		defer md.Close()

		var cmdErr error
		output := captureStdout(t, func() {
			cmd := workspacesCmd()
			cmd.SetArgs([]string{"add", "--name", "tower-plans", "--pdf", "/tmp/tower.pdf", "--owner", "eng@example.com"})
			cmdErr = cmd.Execute()
		})

		if cmdErr != nil {
			t.Fatalf("unexpected error: %v", cmdErr)
		}
		if !strings.Contains(output, "Registered workspace 1 (tower-plans)") {
			t.Errorf("unexpected output: %s", output)
		}

		md.State.mu.Lock()
		ws := md.State.workspaces[1]
		md.State.mu.Unlock()
		if ws == nil || ws.PDFPath != "/tmp/tower.pdf" || ws.OwnerEmail != "eng@example.com" {
			t.Errorf("workspace not recorded correctly: %+v", ws)
		}
	})

	t.Run("missing name is rejected", func(t *testing.T) {
		cmd := workspacesCmd()
		cmd.SetArgs([]string{"add"})
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "--name is required") {
			t.Errorf("expected --name is required error, got %v", err)
		}
	})
}
