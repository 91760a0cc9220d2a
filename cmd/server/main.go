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

	"github.com/dontdude/goxec/internal/app"
	"github.com/dontdude/goxec/internal/config"
	"github.com/dontdude/goxec/internal/platform/web"
	"github.com/dontdude/goxec/internal/worker"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		embedWorker bool
	)

	cmd := &cobra.Command{
		Use:          "goxec-server",
		Short:        "Serve the job submission API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, embedWorker)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().BoolVar(&embedWorker, "worker", false, "Also run the worker pool in this process")
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, cfg config.Config, embedWorker bool) error {
	// 1. Initialize logger
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect the store, Redis and the broker
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		return err
	}
	defer a.Close()

	// 3. Optionally run the worker in-process
	var pool *worker.Pool
	if embedWorker {
		if pool, err = a.NewWorker(ctx); err != nil {
			logger.Error("Worker startup failed", "error", err)
			return err
		}
		pool.Start(ctx)
	}

	// 4. Forward job events to websocket clients
	hub := web.NewHub()
	go func() {
		if err := hub.Run(ctx, a.Feed); err != nil {
			logger.Error("Event broadcaster stopped", "error", err)
		}
	}()

	// 5. Setup router
	limiter := web.NewRateLimiter(cfg.HTTP.RateLimit.Rate, cfg.HTTP.RateLimit.Burst)
	defer limiter.Stop()

	opts := []web.ServerOption{web.WithRateLimiter(limiter)}
	for name, check := range a.HealthChecks() {
		opts = append(opts, web.WithHealthCheck(name, check))
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           web.NewServer(a.Service, hub, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API Server starting", "addr", cfg.HTTP.Addr, "embeddedWorker", embedWorker)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var workerErrs <-chan error
	if pool != nil {
		workerErrs = pool.Errors()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	case err = <-workerErrs:
		logger.Error("Worker failed", "error", err)
	}

	// 6. Graceful shutdown: stop accepting requests, drain the worker, then
	// the deferred Close tears down the broker channel and connection.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP shutdown error", "error", shutdownErr)
	}
	if pool != nil {
		stop()
		pool.Stop()
	}

	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
