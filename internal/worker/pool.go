package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dontdude/goxec/internal/domain"
)

// Consumer subscribes a handler to a queue and blocks until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, queue, routingKey string, handler domain.MessageHandler) error
}

// Binding is a durable queue and the routing key it is bound under.
type Binding struct {
	Queue      string
	RoutingKey string
}

// Bindings returns one queue per job type, named prefix + "." + lower-case type.
func Bindings(prefix string, types []domain.JobType) []Binding {
	out := make([]Binding, 0, len(types))
	for _, t := range types {
		out = append(out, Binding{
			Queue:      fmt.Sprintf("%s.%s", prefix, strings.ToLower(string(t))),
			RoutingKey: string(t),
		})
	}
	return out
}

// Pool implements a fixed-size worker pool pattern.
// Every binding gets workerCount consume loops. Each loop holds at most one
// unacknowledged delivery, so workerCount is also the number of jobs a binding
// can execute at once.
type Pool struct {
	// workerCount is the number of consume loops per binding.
	workerCount int
	bindings    []Binding
	consumer    Consumer
	handler     domain.MessageHandler
	logger      *slog.Logger

	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
	errs   chan error
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, consumer Consumer, handler domain.MessageHandler, bindings ...Binding) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		bindings:    bindings,
		consumer:    consumer,
		handler:     handler,
		logger:      slog.Default(),
		errs:        make(chan error, concurrency*len(bindings)),
	}
}

// Start spawns the consume loops.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount, "bindings", len(p.bindings))

	id := 0
	for _, b := range p.bindings {
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(ctx, id, b)
			id++
		}
	}
}

// Errors reports workers that stopped for a reason other than Stop.
func (p *Pool) Errors() <-chan error {
	return p.errs
}

// Stop initiates a graceful shutdown.
// Workers stop taking deliveries, finish and settle the one in hand, and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int, b Binding) {
	defer p.wg.Done()
	p.logger.Info("Worker started", "workerID", id, "queue", b.Queue)

	err := p.consumer.Consume(ctx, b.Queue, b.RoutingKey, p.handler)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Worker exited", "workerID", id, "queue", b.Queue, "error", err)
		select {
		case p.errs <- fmt.Errorf("worker %d on %s: %w", id, b.Queue, err):
		default:
		}
		return
	}

	p.logger.Info("Worker stopped", "workerID", id)
}
