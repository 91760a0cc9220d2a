package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dontdude/goxec/internal/domain"
)

// ErrPermanent marks an executor error that no retry can fix. The job is
// failed and its message discarded instead of requeued.
var ErrPermanent = errors.New("permanent failure")

// Executor performs the work of one job type. The payload has already been
// decoded and validated for the job's type.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, payload domain.Payload) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *domain.Job, payload domain.Payload) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job, payload domain.Payload) (json.RawMessage, error) {
	return f(ctx, job, payload)
}

// Registry maps job types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.JobType]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.JobType]Executor)}
}

// Register installs e for t, replacing any previous executor.
func (r *Registry) Register(t domain.JobType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t domain.JobType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}
