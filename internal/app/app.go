// Package app wires the platform adapters into the job pipeline for the
// server and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dontdude/goxec/internal/config"
	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/executor"
	"github.com/dontdude/goxec/internal/jobs"
	"github.com/dontdude/goxec/internal/platform/broker"
	"github.com/dontdude/goxec/internal/platform/docker"
	"github.com/dontdude/goxec/internal/platform/events"
	"github.com/dontdude/goxec/internal/platform/idempotency"
	"github.com/dontdude/goxec/internal/platform/store"
	"github.com/dontdude/goxec/internal/worker"
	"github.com/redis/go-redis/v9"
)

// App holds the shared dependencies of a process.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   domain.JobStore
	Broker  *broker.Manager
	Redis   *redis.Client
	Feed    *events.RedisFeed
	Metrics *jobs.Metrics
	Service *jobs.Service

	closers []func()
}

// New opens the store and Redis, and connects to the broker with the initial
// retry policy. On error everything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(); err != nil {
		return nil, err
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() {
		if err := a.Redis.Close(); err != nil {
			logger.Error("Redis close error", "error", err)
		}
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.Feed = events.NewRedisFeed(a.Redis, events.DefaultChannel)

	a.Broker = broker.NewManager(broker.Config{
		URL:          cfg.AMQP.URL,
		Exchange:     cfg.AMQP.Exchange,
		ExchangeKind: cfg.AMQP.ExchangeKind,
		MaxRetries:   cfg.AMQP.MaxRetries,
		RetryDelay:   cfg.AMQP.RetryDelay,
	},
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithReconnectBackoff(broker.ExponentialJitter{
			Initial: cfg.AMQP.ReconnectInitial,
			Max:     cfg.AMQP.ReconnectMax,
		}),
	)
	a.closers = append(a.closers, a.Broker.Close)
	if err := a.Broker.Connect(ctx); err != nil {
		return nil, err
	}

	if a.Metrics, err = jobs.NewMetrics(nil); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a.Service = jobs.NewService(a.Store, broker.NewPublisher(a.Broker),
		jobs.WithFeed(a.Feed),
		jobs.WithMetrics(a.Metrics),
		jobs.WithDefaultMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithLogger(logger.With("component", "jobs")),
	)
	return a, nil
}

func (a *App) openStore() error {
	switch a.Config.Store.Driver {
	case "memory":
		a.Logger.Warn("Using in-memory job store; jobs are lost on restart")
		a.Store = store.NewMemory()
	default:
		db, err := store.NewSQLite(a.Config.Store.DSN)
		if err != nil {
			return err
		}
		a.Store = db
		a.closers = append(a.closers, func() {
			if err := db.Close(); err != nil {
				a.Logger.Error("Store close error", "error", err)
			}
		})
	}
	return nil
}

// NewWorker builds the consume side: sandbox, executors, processor and pool.
func (a *App) NewWorker(ctx context.Context) (*worker.Pool, error) {
	cfg := a.Config

	languages := make(map[string]docker.Language, len(cfg.Sandbox.Languages))
	for name, l := range cfg.Sandbox.Languages {
		languages[name] = docker.Language{Image: l.Image, Command: l.Command}
	}
	sandbox, err := docker.NewClient(ctx, languages, docker.Limits{
		MemoryBytes: cfg.Sandbox.MemoryMB << 20,
		NanoCPUs:    int64(cfg.Sandbox.CPUs * 1e9),
		PidsLimit:   cfg.Sandbox.PidsLimit,
		Timeout:     cfg.Sandbox.Timeout,
		OutputBytes: cfg.Sandbox.OutputKB << 10,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := sandbox.Close(); err != nil {
			a.Logger.Error("Docker client close error", "error", err)
		}
	})

	registry := jobs.NewRegistry()
	registry.Register(domain.JobTypeCodeExecution, executor.NewCode(sandbox))
	registry.Register(domain.JobTypeBackgroundTask, executor.NewTasks())

	proc := jobs.NewProcessor(a.Store, idempotency.NewGuard(a.Redis), registry,
		jobs.ProcessorConfig{
			MarkerTTL:    cfg.Jobs.MarkerTTL,
			MarkerPolicy: jobs.MarkerPolicy(cfg.Jobs.MarkerPolicy),
			ExecTimeout:  cfg.Jobs.ExecTimeout,
			FailOpen:     cfg.Jobs.FailOpen,
		},
		jobs.WithFeed(a.Feed),
		jobs.WithMetrics(a.Metrics),
		jobs.WithLogger(a.Logger.With("component", "processor")),
	)

	types := make([]domain.JobType, 0, len(cfg.Worker.Types))
	for _, t := range cfg.Worker.Types {
		types = append(types, domain.JobType(t))
	}
	consumer := broker.NewConsumer(a.Broker, broker.WithConsumerLogger(a.Logger.With("component", "consumer")))
	return worker.NewPool(cfg.Worker.Concurrency, consumer, proc.Handle,
		worker.Bindings(cfg.AMQP.QueuePrefix, types)...), nil
}

// HealthChecks reports the broker and Redis state.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"broker": func(context.Context) error {
			if !a.Broker.Connected() {
				return broker.ErrNotConnected
			}
			return nil
		},
		"redis": func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		},
	}
}

// Close releases everything in reverse order of opening. The broker closes
// its channel before its connection.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
