package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"scenarioforge/internal/api"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		ownerID    string
		sourceURL  string
		variant    string
		analyze    bool
		correlate  bool
		hints      string
		model      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "submit [document]",
		Short: "Submit a requirement document for scenario generation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return errors.New("--owner is required")
			}
			if len(args) == 0 && sourceURL == "" {
				return errors.New("provide a document path or --url")
			}
			if len(args) == 1 && sourceURL != "" {
				return errors.New("provide either a document path or --url, not both")
			}

			opts := submitOptions{
				Variant: strings.ToLower(strings.TrimSpace(variant)),
				Hints:   hints,
				Model:   model,
			}
			if cmd.Flags().Changed("analyze-images") {
				opts.AnalyzeImages = &analyze
			}
			if cmd.Flags().Changed("correlate") {
				opts.CorrelateDocuments = &correlate
			}

			client := ctx.client()
			var (
				job api.JobResponse
				err error
			)
			if sourceURL != "" {
				job, err = client.SubmitURL(cmd.Context(), ownerID, sourceURL, opts)
			} else {
				job, err = client.SubmitFile(cmd.Context(), ownerID, args[0], opts)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued (%s, variant %s)\n", job.ID, job.SourceName, job.Variant)
			if job.QueuePosition > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Queue position: %d\n", job.QueuePosition)
			}
			if job.EstimatedRemaining != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Estimated time: %s\n", job.EstimatedRemaining)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Owner identifier for the job")
	cmd.Flags().StringVar(&sourceURL, "url", "", "Download the document from this URL instead of uploading")
	cmd.Flags().StringVar(&variant, "variant", "", "Pipeline variant (standard or quick)")
	cmd.Flags().BoolVar(&analyze, "analyze-images", false, "Analyze referenced images")
	cmd.Flags().BoolVar(&correlate, "correlate", false, "Correlate cross-references in the document")
	cmd.Flags().StringVar(&hints, "hints", "", "Free-form guidance passed to scenario generation")
	cmd.Flags().StringVar(&model, "model", "", "Override the configured LLM model for this job")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := ctx.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, job)
			}
			printJobDetail(cmd, job)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var ownerID string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in the active queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := ctx.client().List(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, map[string][]api.JobResponse{"jobs": jobs})
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs in the queue")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.OwnerID,
					job.SourceName,
					job.Status,
					stageLabel(job),
					progressLabel(job),
					job.EstimatedRemaining,
				})
			}
			headers := []string{"ID", "Owner", "Source", "Status", "Stage", "Progress", "ETA"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Only list jobs for this owner")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return newActionCommand(ctx, "cancel", "Cancel a job that has not started yet",
		func(client *apiClient, cmd *cobra.Command, jobID string) (api.JobResponse, error) {
			return client.Cancel(cmd.Context(), jobID)
		})
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return newActionCommand(ctx, "stop", "Pause a processing job at the next stage boundary",
		func(client *apiClient, cmd *cobra.Command, jobID string) (api.JobResponse, error) {
			return client.Stop(cmd.Context(), jobID)
		})
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	return newActionCommand(ctx, "restart", "Re-enqueue a stopped job from the beginning",
		func(client *apiClient, cmd *cobra.Command, jobID string) (api.JobResponse, error) {
			return client.Restart(cmd.Context(), jobID)
		})
}

func newActionCommand(ctx *commandContext, verb, short string, run func(*apiClient, *cobra.Command, string) (api.JobResponse, error)) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   verb + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := run(ctx.client(), cmd, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")
	return cmd
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job in any state and delete its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s removed\n", args[0])
			return nil
		},
	}
}

func printJobDetail(cmd *cobra.Command, job api.JobResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Owner:    %s\n", job.OwnerID)
	fmt.Fprintf(out, "Source:   %s (%d bytes)\n", job.SourceName, job.SourceSize)
	fmt.Fprintf(out, "Variant:  %s\n", job.Variant)
	fmt.Fprintf(out, "Status:   %s\n", job.Status)
	if stage := stageLabel(job); stage != "" {
		fmt.Fprintf(out, "Stage:    %s\n", stage)
	}
	fmt.Fprintf(out, "Progress: %s\n", progressLabel(job))
	if job.QueuePosition > 0 {
		fmt.Fprintf(out, "Position: %d\n", job.QueuePosition)
	}
	if job.EstimatedRemaining != "" {
		fmt.Fprintf(out, "ETA:      %s\n", job.EstimatedRemaining)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", job.ErrorMessage)
	}
	for _, artifact := range job.Artifacts {
		fmt.Fprintf(out, "Artifact: %s (%d bytes)\n", artifact.Name, artifact.Size)
	}
}

func stageLabel(job api.JobResponse) string {
	if job.StageName == "" {
		return ""
	}
	return fmt.Sprintf("%s (%d/%d)", job.StageName, job.StageIndex+1, job.StageCount)
}

func progressLabel(job api.JobResponse) string {
	return fmt.Sprintf("%.0f%%", job.Progress*100)
}
