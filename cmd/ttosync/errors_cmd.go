package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func errorsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recent daemon errors",
		Long: `Show recent errors recorded by the daemon.

Errors are kept in a ring buffer and persisted to errors.jsonl under
the data directory, so they survive daemon restarts.

Examples:
  ttosync errors             # Show the 20 most recent errors
  ttosync errors --limit 50  # Show up to 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			entries, count24, err := dialDaemon().RecentErrors(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No recent errors.")
				return nil
			}

			for _, e := range entries {
				ago := time.Since(e.Timestamp).Round(time.Second)
				line := fmt.Sprintf("[%v ago] %s %s: %s", ago, e.Level, e.Component, e.Message)
				if e.JobID > 0 {
					line += fmt.Sprintf(" (job %d)", e.JobID)
				}
				if e.WorkspaceID > 0 {
					line += fmt.Sprintf(" (workspace %d)", e.WorkspaceID)
				}
				fmt.Println(line)
			}
			fmt.Printf("\n%d error(s) in the last 24h\n", count24)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of errors to show")

	return cmd
}
