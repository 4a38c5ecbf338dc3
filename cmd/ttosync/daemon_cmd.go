package main

import (
	"fmt"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the sync daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return err
			}
			fmt.Println("Daemon started")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopDaemon(); err == ErrDaemonNotRunning {
				fmt.Println("Daemon was not running")
				return nil
			} else if err != nil {
				return err
			}
			fmt.Println("Daemon stopped")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			wasRunning := true
			if err := stopDaemon(); err == ErrDaemonNotRunning {
				wasRunning = false
			} else if err != nil {
				return err
			}
			if err := ensureDaemon(); err != nil {
				return err
			}
			if wasRunning {
				fmt.Println("Daemon restarted")
			} else {
				fmt.Println("Daemon started (was not running)")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimes, err := daemon.ListAllRuntimes()
			if err != nil || len(runtimes) == 0 {
				fmt.Println("Daemon: not running")
				return nil
			}
			for _, info := range runtimes {
				state := "unresponsive"
				if daemon.IsDaemonAlive(info.Addr) {
					state = "running"
				}
				fmt.Printf("Daemon: %s (pid %d, addr %s, version %s)\n",
					state, info.PID, info.Addr, info.Version)
			}
			return nil
		},
	})

	return cmd
}
