package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// DownloadsOptions holds options shared by the downloads command group.
type DownloadsOptions struct {
	*GlobalOptions
}

// NewDownloadsCommand creates the downloads command group: start, status, cancel.
func NewDownloadsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &DownloadsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "downloads",
		Short: "Manage model downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newDownloadsStartCommand(opts))
	cmd.AddCommand(newDownloadsStatusCommand(opts))
	cmd.AddCommand(newDownloadsCancelCommand(opts))
	return cmd
}

func newDownloadsStartCommand(opts *DownloadsOptions) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "start REPO",
		Short: "Start downloading a model repo",
		Long: `Start downloading every file of a model registry repo.

When --file is omitted, the server resolves the full file listing from
the model registry's own metadata for REPO.`,
		Example: `  # Download every file the registry lists for a repo
  enginectl downloads start stabilityai/stable-diffusion-2-1

  # Download only specific files
  enginectl downloads start stabilityai/sd-turbo --file model.safetensors --file config.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadsStart(cmd.Context(), opts, args[0], files)
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "specific file to download (repeatable); defaults to every file the registry lists")
	return cmd
}

func runDownloadsStart(ctx context.Context, opts *DownloadsOptions, repo string, files []string) error {
	client := getClient(opts.GlobalOptions)
	resp, err := client.StartDownload(ctx, repo, files)
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}
	fmt.Printf("Download started: %s (status: %s)\n", resp.DownloadID, resp.Status)
	return nil
}

func newDownloadsStatusCommand(opts *DownloadsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status DOWNLOAD_ID",
		Short: "Show a download's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadsStatus(cmd.Context(), opts, args[0])
		},
	}
}

func runDownloadsStatus(ctx context.Context, opts *DownloadsOptions, id string) error {
	client := getClient(opts.GlobalOptions)
	dl, err := client.GetDownload(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get download: %w", err)
	}

	fmt.Printf("Repo:     %s\n", dl.Repo)
	fmt.Printf("Status:   %s\n", dl.Status)
	fmt.Printf("Progress: %d/%d bytes\n", dl.BytesDownloaded, dl.TotalBytes)
	if dl.SpeedBytesPerS > 0 {
		fmt.Printf("Speed:    %.1f MB/s\n", dl.SpeedBytesPerS/1024/1024)
	}
	if dl.Error != "" {
		fmt.Printf("Error:    %s\n", dl.Error)
	}
	return nil
}

func newDownloadsCancelCommand(opts *DownloadsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel DOWNLOAD_ID",
		Short: "Cancel an in-flight download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadsCancel(cmd.Context(), opts, args[0])
		},
	}
}

func runDownloadsCancel(ctx context.Context, opts *DownloadsOptions, id string) error {
	client := getClient(opts.GlobalOptions)
	if err := client.CancelDownload(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel download: %w", err)
	}
	fmt.Printf("Cancelled download: %s\n", id)
	return nil
}
