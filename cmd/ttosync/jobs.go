package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/spf13/cobra"
)

func jobsCmd() *cobra.Command {
	var (
		workspaceID int64
		status      string
		lane        string
		kind        string
		limit       int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List sync jobs",
		Long: `List sync jobs, newest first, with optional filtering.

Examples:
  ttosync jobs                      # Most recent jobs
  ttosync jobs --workspace 42       # Jobs for one workspace
  ttosync jobs --status failed      # Only failed jobs
  ttosync jobs --lane process       # Only control-lane jobs
  ttosync jobs --json               # Output as JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			jobs, hasMore, err := dialDaemon().ListJobs(daemon.JobsQuery{
				WorkspaceID: workspaceID,
				Status:      status,
				Lane:        lane,
				Kind:        kind,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tKind\tTarget\tLane\tStatus\tAttempt\tTime\n")
			for _, j := range jobs {
				attempt := fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Kind, jobTarget(j), j.Lane, j.Status, attempt, jobElapsed(j))
			}
			w.Flush()

			if hasMore {
				fmt.Println("(more results available, use --limit to increase)")
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&workspaceID, "workspace", 0, "filter by workspace ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, running, done, failed, canceled)")
	cmd.Flags().StringVar(&lane, "lane", "", "filter by lane (sync, process, celery)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (sync, sweep, dispatch_all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max number of jobs to return")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued sync job",
		Long: `Cancel a job that is still waiting in the queue. Running jobs
cannot be canceled mid-push; they finish or fail on their own.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID int64
			if _, err := fmt.Sscanf(args[0], "%d", &jobID); err != nil || jobID <= 0 {
				return fmt.Errorf("invalid job ID: %s", args[0])
			}

			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			if err := dialDaemon().CancelJob(jobID); err != nil {
				return err
			}

			fmt.Printf("Canceled job %d\n", jobID)
			return nil
		},
	}
}
