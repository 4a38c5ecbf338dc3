package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func workspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Manage registered workspaces",
	}

	cmd.AddCommand(workspacesListCmd())
	cmd.AddCommand(workspacesAddCmd())

	return cmd
}

func workspacesListCmd() *cobra.Command {
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces and their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			workspaces, err := dialDaemon().ListWorkspaces(includeDeleted)
			if err != nil {
				return err
			}

			if len(workspaces) == 0 {
				fmt.Println("No workspaces registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tName\tStatus\tAttempts\tLast Synced\n")
			for _, ws := range workspaces {
				name := ws.Name
				if ws.SoftDeleted {
					name += " [deleted]"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
					ws.ID, name, ws.SyncStatus, ws.SyncAttempts, workspaceSyncedAgo(ws))
			}
			w.Flush()

			return nil
		},
	}

	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include soft-deleted workspaces")

	return cmd
}

func workspacesAddCmd() *cobra.Command {
	var (
		name       string
		pdfPath    string
		ownerEmail string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new workspace",
		Long: `Register a workspace with the daemon. The workspace starts in
sync status "never" and is picked up by the next trigger-all or sweep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			if err := ensureDaemon(); err != nil {
				return fmt.Errorf("daemon not running: %w", err)
			}

			ws, err := dialDaemon().CreateWorkspace(name, pdfPath, ownerEmail)
			if err != nil {
				return err
			}

			fmt.Printf("Registered workspace %d (%s)\n", ws.ID, ws.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "workspace name (required)")
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "source PDF path or link")
	cmd.Flags().StringVar(&ownerEmail, "owner", "", "owner email")

	return cmd
}
