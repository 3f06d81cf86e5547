// ABOUTME: Entry point for the in-sandbox runner
// ABOUTME: Drives the agent backend and ships events to the gateway

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftbuild/forge/internal/eventclient"
	"github.com/driftbuild/forge/internal/runner"
	"github.com/driftbuild/forge/internal/snapshot"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "forge-runner",
		Short:         "In-sandbox agent runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the agent backend once, configured from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	}
	root.AddCommand(run)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context) error {
	// The runner's stdout is a log file inside the sandbox; plain text
	// keeps it readable next to the backend's own output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := runner.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	sink := eventclient.New(cfg.GatewayURL, cfg.ProjectID)

	var saver snapshot.Saver
	if dir := os.Getenv("FORGE_SNAPSHOT_DIR"); dir != "" {
		saver, err = snapshot.NewArchiveSaver(dir)
		if err != nil {
			slog.Warn("snapshots disabled", "error", err)
			saver = nil
		}
	}

	return runner.New(cfg, sink, saver).Run(ctx)
}
