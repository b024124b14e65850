package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch <job-id> <artifact>",
		Short: "Download a job artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, name := args[0], args[1]
			dest := output
			if dest == "" {
				dest = filepath.Base(name)
			}
			if err := ctx.client().FetchArtifact(cmd.Context(), jobID, name, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "O", "", "Destination path (defaults to the artifact name)")
	return cmd
}
