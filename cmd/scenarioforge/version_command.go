package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scenarioforge/internal/daemon"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scenarioforge version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), daemon.Version)
			return nil
		},
	}
}
