package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ttosync",
		Short: "Workspace sync for the TTO takeoff system",
		Long:  "ttosync pushes local workspace trees (pages, polygons) to the upstream TTO takeoff system through a local sync daemon.",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7474", "daemon server address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(triggerAllCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(workspacesCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		// Check for exitError to exit with specific code without extra output
		if exitErr, ok := err.(*exitError); ok {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
