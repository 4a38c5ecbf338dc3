package main

import (
	"fmt"

	"github.com/jordan-lee502/polygon-editor-back/internal/version"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ttosync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ttosync %s\n", version.Version)
		},
	}
}
