package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ModelsOptions holds options shared by the models command group.
type ModelsOptions struct {
	*GlobalOptions
}

// NewModelsCommand creates the models command group: list, status, start, stop.
func NewModelsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ModelsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage engine models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newModelsListCommand(opts))
	cmd.AddCommand(newModelsStatusCommand(opts))
	cmd.AddCommand(newModelsStartCommand(opts))
	cmd.AddCommand(newModelsStopCommand(opts))
	return cmd
}

func newModelsListCommand(opts *ModelsOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd.Context(), opts)
		},
	}
}

func runModelsList(ctx context.Context, opts *ModelsOptions) error {
	client := getClient(opts.GlobalOptions)
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	if len(models) == 0 {
		fmt.Println("No models configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEXEC MODE\tLOAD MODE")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.ExecMode, m.LoadMode)
	}
	w.Flush()
	return nil
}

func newModelsStatusCommand(opts *ModelsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status MODEL_ID",
		Short: "Show a model's engine process status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsStatus(cmd.Context(), opts, args[0])
		},
	}
}

func runModelsStatus(ctx context.Context, opts *ModelsOptions, modelID string) error {
	client := getClient(opts.GlobalOptions)
	status, err := client.ModelStatus(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to get model status: %w", err)
	}

	fmt.Printf("Status: %s\n", status.Status)
	if status.PID > 0 {
		fmt.Printf("PID:    %d\n", status.PID)
		fmt.Printf("Port:   %d\n", status.Port)
	}
	fmt.Printf("Uptime: %dms\n", status.UptimeMS)
	if len(status.Logs) > 0 {
		fmt.Println("\nRecent logs:")
		for _, line := range status.Logs {
			fmt.Println(" ", line)
		}
	}
	return nil
}

func newModelsStartCommand(opts *ModelsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start MODEL_ID",
		Short: "Start a model's engine process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsStart(cmd.Context(), opts, args[0])
		},
	}
}

func runModelsStart(ctx context.Context, opts *ModelsOptions, modelID string) error {
	client := getClient(opts.GlobalOptions)
	rec, err := client.StartModel(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to start model: %w", err)
	}
	fmt.Printf("Started %s (pid %d, port %d)\n", modelID, rec.PID, rec.Port)
	return nil
}

func newModelsStopCommand(opts *ModelsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop MODEL_ID",
		Short: "Stop a model's engine process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsStop(cmd.Context(), opts, args[0])
		},
	}
}

func runModelsStop(ctx context.Context, opts *ModelsOptions, modelID string) error {
	client := getClient(opts.GlobalOptions)
	if err := client.StopModel(ctx, modelID); err != nil {
		return fmt.Errorf("failed to stop model: %w", err)
	}
	fmt.Printf("Stopped %s\n", modelID)
	return nil
}
