package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func activityCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the daemon activity journal",
		Long: `Show recent activity journal entries.

The journal records scheduler ticks, dispatches, worker claims, and
sync completions. It is the first place to look when a workspace is
not syncing and no error has been recorded.

Examples:
  ttosync activity             # Show the 20 most recent entries
  ttosync activity --limit 50  # Show up to 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			entries, err := dialDaemon().RecentActivity(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No recent activity.")
				return nil
			}

			for _, e := range entries {
				ago := time.Since(e.Timestamp).Round(time.Second)
				line := fmt.Sprintf("[%v ago] %s %s: %s", ago, e.Component, e.Event, e.Message)
				if e.WorkspaceID > 0 {
					line += fmt.Sprintf(" (workspace %d)", e.WorkspaceID)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")

	return cmd
}
