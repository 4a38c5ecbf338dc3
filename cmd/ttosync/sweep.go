package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass now",
		Long: `Run a reconciliation pass immediately instead of waiting for the
scheduler. The sweep requeues jobs whose worker lease expired, then
re-enqueues workspaces stuck in pending or parked in failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			res, err := dialDaemon().Sweep()
			if err != nil {
				return err
			}

			fmt.Printf("Requeued %d stale, enqueued %d, skipped %d, failed %d\n",
				res.RequeuedStale, res.Enqueued, res.Skipped, res.Failed)
			if res.Failed > 0 {
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
