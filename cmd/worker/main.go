package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/goxec/internal/app"
	"github.com/dontdude/goxec/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "goxec-worker",
		Short:        "Consume and execute queued jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	// 1. Initialize logger
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("Starting Goxec Worker...")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect the store, Redis and the broker
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		return err
	}
	defer a.Close()

	// 3. Initialize the sandbox and the pool.
	// Fails fast if Docker is not available.
	pool, err := a.NewWorker(ctx)
	if err != nil {
		logger.Error("Worker startup failed", "error", err)
		return err
	}
	pool.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err = <-pool.Errors():
		logger.Error("Worker failed", "error", err)
	}

	// 4. Finish the in-flight deliveries before the broker is closed.
	stop()
	pool.Stop()
	return err
}
