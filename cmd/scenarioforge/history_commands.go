package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		ownerID    string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().History(cmd.Context(), ownerID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			if len(resp.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archived jobs")
				return nil
			}
			rows := make([][]string, 0, len(resp.Entries))
			for _, entry := range resp.Entries {
				completed := ""
				if entry.CompletedAt != nil {
					completed = entry.CompletedAt.Local().Format(time.RFC3339)
				}
				rows = append(rows, []string{
					entry.ID,
					entry.OwnerID,
					entry.SourceName,
					entry.Variant,
					entry.Status,
					completed,
				})
			}
			headers := []string{"ID", "Owner", "Source", "Variant", "Status", "Completed"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Only list jobs for this owner")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}
