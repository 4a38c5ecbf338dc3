package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "trigger <workspace-id>",
		Short: "Enqueue a sync for one workspace",
		Long: `Enqueue a sync job for a single workspace.

A workspace that already has a sync queued or running is skipped; the
daemon never runs two syncs for the same workspace at once.

Examples:
  ttosync trigger 42          # Enqueue and return immediately
  ttosync trigger 42 --wait   # Block until the sync finishes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || workspaceID <= 0 {
				return fmt.Errorf("invalid workspace ID: %s", args[0])
			}

			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			client := dialDaemon()
			outcome, err := client.TriggerSync(workspaceID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("workspace %d not found", workspaceID)
				}
				return err
			}

			if outcome.Skipped {
				fmt.Printf("Workspace %d already has a sync in flight, skipped\n", workspaceID)
				return nil
			}

			fmt.Printf("Enqueued sync job %d for workspace %d\n", outcome.Job.ID, workspaceID)
			if !wait {
				return nil
			}

			fmt.Printf("Waiting for sync to complete...")
			job, err := client.WaitForJob(outcome.Job.ID)
			if err != nil {
				return err
			}

			switch job.Status {
			case storage.JobStatusDone:
				fmt.Printf(" done (%s)\n", jobElapsed(*job))
				return nil
			case storage.JobStatusCanceled:
				fmt.Printf(" canceled\n")
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return &exitError{code: 1}
			default:
				fmt.Printf(" failed\n")
				if job.Error != "" {
					fmt.Printf("Error: %s\n", job.Error)
				}
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return &exitError{code: 1}
			}
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until the sync job finishes")

	return cmd
}

func triggerAllCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "trigger-all",
		Short: "Enqueue syncs for many workspaces",
		Long: `Enqueue sync jobs in bulk.

By default only dirty workspaces (never synced, failed, or edited since
their last successful sync) are enqueued. Use --all to re-push clean
workspaces too.

Examples:
  ttosync trigger-all             # Dirty workspaces only
  ttosync trigger-all --all       # Every workspace
  ttosync trigger-all --limit 10  # At most 10 workspaces`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			res, err := dialDaemon().TriggerAll(!all, limit)
			if err != nil {
				return err
			}

			fmt.Printf("Enqueued %d, skipped %d, failed %d\n", res.Enqueued, res.Skipped, res.Failed)
			if res.Failed > 0 {
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include clean workspaces, not just dirty ones")
	cmd.Flags().IntVar(&limit, "limit", 0, "max workspaces to enqueue (0 = no limit)")

	return cmd
}
