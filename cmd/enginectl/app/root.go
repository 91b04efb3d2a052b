package app

import (
	"github.com/spf13/cobra"
)

// GlobalOptions holds flags shared across every enginectl subcommand.
type GlobalOptions struct {
	// ServerURL is the base URL of the control plane's HTTP API.
	ServerURL string
}

// NewRootCommand builds the enginectl root command and wires every
// subcommand group (jobs, models, downloads) under it.
func NewRootCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Command-line client for the diffusion control plane",
		Long: `enginectl talks to a running control-plane server over its HTTP API
to submit and inspect generation jobs, manage engine processes, and
track model downloads.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "http://127.0.0.1:8080",
		"base URL of the control plane server")

	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewModelsCommand(opts))
	cmd.AddCommand(NewDownloadsCommand(opts))

	return cmd
}

func getClient(opts *GlobalOptions) *Client {
	return NewClient(opts.ServerURL)
}
