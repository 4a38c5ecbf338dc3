package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Ensure daemon is running (and restart if version mismatch)
			if err := ensureDaemon(); err != nil {
				fmt.Println("Daemon: not running")
				fmt.Println()
				fmt.Println("Start with: ttosync daemon start")
				return nil
			}

			client := dialDaemon()
			status, err := client.Status()
			if err != nil {
				fmt.Println("Daemon: not running")
				fmt.Println()
				fmt.Println("Start with: ttosync daemon start")
				return nil
			}

			health, healthErr := client.Health()

			// Display daemon info with uptime and version
			daemonLine := "Daemon: running"
			if status.Uptime != "" {
				daemonLine += fmt.Sprintf(" (uptime: %s)", status.Uptime)
			}
			if status.Version != "" {
				daemonLine += fmt.Sprintf(" [%s]", status.Version)
			}
			fmt.Println(daemonLine)
			fmt.Printf("Workers: %d/%d active\n", status.ActiveWorkers, status.MaxWorkers)
			fmt.Printf("Jobs:    %d queued, %d running, %d done, %d failed, %d canceled\n",
				status.QueuedJobs, status.RunningJobs, status.CompletedJobs,
				status.FailedJobs, status.CanceledJobs)
			if status.InFlight > 0 {
				fmt.Printf("In flight: %d workspace(s)\n", status.InFlight)
			}
			if len(status.LaneDepths) > 0 {
				fmt.Printf("Lanes:  %s\n", formatCounts(status.LaneDepths))
			}
			if len(status.Workspaces) > 0 {
				fmt.Printf("Workspaces: %s\n", formatCounts(status.Workspaces))
			}
			fmt.Println()

			// Display health status
			if healthErr == nil && health.Version != "" {
				if health.Healthy {
					fmt.Println("Health: OK")
				} else {
					fmt.Println("Health: DEGRADED")
				}
				for _, comp := range health.Components {
					checkmark := "+"
					if !comp.Healthy {
						checkmark = "!"
					}
					if comp.Message != "" {
						fmt.Printf("  %s %s: %s\n", checkmark, comp.Name, comp.Message)
					} else {
						fmt.Printf("  %s %s: healthy\n", checkmark, comp.Name)
					}
				}
				fmt.Println()

				// Display recent errors if any
				if health.ErrorCount > 0 {
					fmt.Printf("Recent Errors (last 24h): %d\n", health.ErrorCount)
					for _, e := range health.RecentErrors {
						ago := time.Since(e.Timestamp).Round(time.Minute)
						if e.JobID > 0 {
							fmt.Printf("  [%v ago] %s: job %d - %s\n", ago, e.Component, e.JobID, e.Message)
						} else {
							fmt.Printf("  [%v ago] %s: %s\n", ago, e.Component, e.Message)
						}
					}
					fmt.Println()
				}
			}

			// Get recent jobs
			jobs, _, err := client.ListJobs(daemon.JobsQuery{Limit: 10})
			if err != nil || len(jobs) == 0 {
				return nil
			}

			fmt.Println("Recent Jobs:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "  ID\tKind\tTarget\tLane\tStatus\tTime\n")
			for _, j := range jobs {
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Kind, jobTarget(j), j.Lane, j.Status, jobElapsed(j))
			}
			w.Flush()

			return nil
		},
	}
}

// formatCounts renders a count map as "k1=v1 k2=v2" with sorted keys so
// the output is stable.
func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, m[k])
	}
	return out
}
