package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var ownerID string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the queue summary and active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := ctx.client().Queue(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snapshot)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workers: %d\n", snapshot.MaxConcurrent)
			if snapshot.OwnerDiskBytes != nil {
				fmt.Fprintf(out, "Disk usage for %s: %d bytes\n", ownerID, *snapshot.OwnerDiskBytes)
			}
			if snapshot.OwnerEstimatedWait != "" {
				fmt.Fprintf(out, "Estimated wait for %s: %s\n", ownerID, snapshot.OwnerEstimatedWait)
			}
			if len(snapshot.Counts) > 0 {
				statuses := make([]string, 0, len(snapshot.Counts))
				for status := range snapshot.Counts {
					statuses = append(statuses, status)
				}
				sort.Strings(statuses)
				rows := make([][]string, 0, len(statuses))
				for _, status := range statuses {
					rows = append(rows, []string{status, fmt.Sprintf("%d", snapshot.Counts[status])})
				}
				fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			}

			if len(snapshot.Jobs) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(snapshot.Jobs))
			for _, job := range snapshot.Jobs {
				rows = append(rows, []string{
					job.ID,
					job.OwnerID,
					job.Status,
					stageLabel(job),
					progressLabel(job),
					job.EstimatedRemaining,
				})
			}
			headers := []string{"ID", "Owner", "Status", "Stage", "Progress", "ETA"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Include disk usage and wait estimate for this owner")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon is %s (version %s)\n", resp.Status, resp.Version)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon is %s\n", resp.Status)
			}
			return nil
		},
	}
}
