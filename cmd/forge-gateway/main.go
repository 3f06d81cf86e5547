// ABOUTME: Entry point for the forge gateway server
// ABOUTME: Serves the HTTP API and supervises sessions and agent processes

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftbuild/forge/internal/config"
	"github.com/driftbuild/forge/internal/eventbus"
	"github.com/driftbuild/forge/internal/gateway"
	"github.com/driftbuild/forge/internal/launcher"
	"github.com/driftbuild/forge/internal/sandbox"
	"github.com/driftbuild/forge/internal/session"
	"github.com/driftbuild/forge/internal/store"
)

// version is set at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "forge-gateway",
		Short:         "Gateway for sandboxed coding-agent sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serve)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	slog.SetDefault(setupLogger(cfg.Logging))
	logger := slog.Default().With("component", "main")

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("  ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("  ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Agent.Backend)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := eventbus.NewBroadcaster(nil)
	defer bus.Close()
	st.SetNotifier(bus)

	prov, err := sandbox.NewLocalProvisioner(cfg.Sandbox.RootDir)
	if err != nil {
		return fmt.Errorf("creating provisioner: %w", err)
	}

	sessions := session.NewRegistry(st, cfg.Sessions.MaxAge)
	l := launcher.New(st, sessions, prov, cfg.Sandbox.Lifetime, cfg.Server.PublicURL, cfg.Agent.RunnerBin, cfg.Snapshot.Dir)

	go session.NewSweeper(sessions, cfg.Sessions.MaxAge, cfg.Sessions.SweepInterval).Run(ctx)
	go launcher.NewWatchdog(st, sessions, prov, cfg.Agent.ProbeInterval).Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: gateway.NewServer(st, bus, l, sessions),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
