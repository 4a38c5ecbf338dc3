package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/spf13/cobra"
)

// followPollInterval is how often --follow re-reads the transcript.
// Tests shrink it to keep polling loops fast.
var followPollInterval = 1 * time.Second

func logsCmd() *cobra.Command {
	var (
		follow   bool
		showPath bool
	)

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show the sync transcript for a job",
		Long: `Show the sync transcript for a completed or running job.

Transcripts record each step of the push: project binding, page and
polygon batches, and the final summary, one timestamped line each.

Examples:
  ttosync logs 42           # Print the transcript
  ttosync logs 42 --follow  # Tail the transcript until the job finishes
  ttosync logs 42 --path    # Print the transcript file path`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job ID: %w", err)
			}

			out := cmd.OutOrStdout()

			if showPath {
				fmt.Fprintln(out, daemon.JobLogPath(jobID))
				return nil
			}

			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}
			client := dialDaemon()

			if !follow {
				chunk, err := client.JobLog(jobID, 0)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no transcript for job %d", jobID)
					}
					return err
				}
				_, err = io.WriteString(out, chunk.Content)
				if isBrokenPipe(err) {
					return nil
				}
				return err
			}

			return followJobLog(client, jobID, out)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep reading until the job reaches a terminal status")
	cmd.Flags().BoolVar(&showPath, "path", false, "print the transcript file path instead of contents")

	cmd.AddCommand(logsCleanCmd())
	return cmd
}

// followJobLog tails a transcript by re-reading from the last served
// offset. A queued job has no transcript yet; those reads 404 until a
// worker claims the job and opens the file.
func followJobLog(client daemon.Client, jobID int64, out io.Writer) error {
	// Validate the job before looping so a bad ID fails immediately
	// instead of polling forever.
	job, _, err := client.GetJob(jobID)
	if err != nil {
		return err
	}

	var offset int64
	status := string(job.Status)
	for {
		chunk, err := client.JobLog(jobID, offset)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				if isTerminalJobStatus(status) {
					return nil
				}
				time.Sleep(followPollInterval)
				if j, _, err := client.GetJob(jobID); err == nil {
					status = string(j.Status)
				}
				continue
			}
			return err
		}

		if chunk.Content != "" {
			if _, err := io.WriteString(out, chunk.Content); err != nil {
				if isBrokenPipe(err) {
					return nil
				}
				return err
			}
		}
		offset = chunk.Offset
		status = chunk.Status

		if isTerminalJobStatus(status) && chunk.Content == "" {
			return nil
		}
		if chunk.Content == "" {
			time.Sleep(followPollInterval)
		}
	}
}

func isTerminalJobStatus(status string) bool {
	switch storage.JobStatus(status) {
	case storage.JobStatusDone, storage.JobStatusFailed, storage.JobStatusCanceled:
		return true
	}
	return false
}

// isBrokenPipe returns true if err is a broken pipe (EPIPE) error,
// which happens when output is piped to tools like head that close
// the read end early.
func isBrokenPipe(err error) bool {
	return err != nil && errors.Is(err, syscall.EPIPE)
}

func logsCleanCmd() *cobra.Command {
	var maxDays int

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old transcript files",
		Long: `Remove transcript files older than the specified age.

Examples:
  ttosync logs clean          # Remove transcripts older than 7 days
  ttosync logs clean --days 3 # Remove transcripts older than 3 days`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxDays < 0 || maxDays > 3650 {
				return fmt.Errorf("--days must be between 0 and 3650")
			}
			maxAge := time.Duration(maxDays) * 24 * time.Hour
			n := daemon.CleanJobLogs(maxAge)
			fmt.Printf("Removed %d transcript file(s)\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDays, "days", 7, "remove transcripts older than this many days")

	return cmd
}
