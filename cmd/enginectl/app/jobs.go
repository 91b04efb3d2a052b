package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// JobsOptions holds options shared by the jobs command group.
type JobsOptions struct {
	*GlobalOptions
}

// NewJobsCommand creates the jobs command group: list, get, and cancel.
func NewJobsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &JobsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage generation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newJobsListCommand(opts))
	cmd.AddCommand(newJobsGetCommand(opts))
	cmd.AddCommand(newJobsCancelCommand(opts))
	return cmd
}

func newJobsListCommand(opts *JobsOptions) *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List generation jobs",
		Example: `  # List the 20 most recent jobs
  enginectl jobs list

  # List only pending jobs
  enginectl jobs list --status pending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd.Context(), opts, status, limit, offset)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by job status (pending, processing, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func runJobsList(ctx context.Context, opts *JobsOptions, status string, limit, offset int) error {
	client := getClient(opts.GlobalOptions)
	resp, err := client.ListJobs(ctx, status, limit, offset)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(resp.Jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tMODEL\tSTATUS\tPROGRESS\tCREATED")
	for _, j := range resp.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			j.ID, j.Type, j.ModelID, j.Status, j.Progress*100, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d (showing %d at offset %d)\n", resp.Pagination.Total, len(resp.Jobs), resp.Pagination.Offset)
	return nil
}

func newJobsGetCommand(opts *JobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a single job's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsGet(cmd.Context(), opts, args[0])
		},
	}
}

func runJobsGet(ctx context.Context, opts *JobsOptions, id string) error {
	client := getClient(opts.GlobalOptions)
	job, err := client.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("ID:          %s\n", job.ID)
	fmt.Printf("Type:        %s\n", job.Type)
	fmt.Printf("Model:       %s\n", job.ModelID)
	fmt.Printf("Status:      %s\n", job.Status)
	fmt.Printf("Progress:    %.0f%%\n", job.Progress*100)
	if job.Error != "" {
		fmt.Printf("Error:       %s\n", job.Error)
	}
	fmt.Printf("Prompt:      %s\n", job.Prompt)
	fmt.Printf("Images:      %d\n", len(job.Images))
	return nil
}

func newJobsCancelCommand(opts *JobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsCancel(cmd.Context(), opts, args[0])
		},
	}
}

func runJobsCancel(ctx context.Context, opts *JobsOptions, id string) error {
	client := getClient(opts.GlobalOptions)
	if err := client.CancelJob(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	fmt.Printf("Cancelled job: %s\n", id)
	return nil
}
