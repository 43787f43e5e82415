// Command controlplaned runs the control plane: the long-running HTTP
// server by default, plus one-shot operational subcommands, grounded
// on the cobra root-command shape the retrieval pack's CLI repos use
// (the teacher itself starts from plain env flags in cmd/main.go; this
// CLI generalizes that to cobra since the ambient stack wires
// spf13/cobra for the CLI surface SPEC_FULL.md §2 names).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scribeworks/controlplane/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "controlplaned",
		Short: "Self-hosted transcription control plane",
		Long: `controlplaned runs the control plane that accepts transcription
jobs from users, dispatches them to accredited runners, and tracks
job and runner state across a durable store and an ephemeral store.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newCleanupCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, recovery pass, and background cleanup loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := app.New(ctx)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start app: %w", err)
			}

			addr := ":" + a.Cfg.Port
			a.Log.Info("controlplaned listening", "addr", addr)
			if err := a.Run(addr); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

// newMigrateCmd exists for operators who want schema provisioning as a
// distinct step from serving traffic. db.Open already provisions the
// schema on connect, so this subcommand just opens and closes the app
// wiring without starting the HTTP server.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Provision the durable store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := app.New(ctx)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close()

			a.Log.Info("schema provisioned")
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the gated retention cleanup tasks once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := app.New(ctx)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close()

			if err := a.Janitor.RunDue(ctx); err != nil {
				return fmt.Errorf("run cleanup: %w", err)
			}
			a.Log.Info("cleanup run complete")
			return nil
		},
	}
}
