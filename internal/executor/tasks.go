package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/jobs"
)

// MaxSleep caps the sleep task.
const MaxSleep = 10 * time.Minute

// Task is a named background routine. Its return value becomes the job result.
type Task func(ctx context.Context, args map[string]any) (any, error)

// Tasks runs BACKGROUND_TASK jobs by dispatching on the payload's task name.
type Tasks struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ jobs.Executor = (*Tasks)(nil)

// NewTasks returns a registry holding the built-in echo and sleep tasks.
func NewTasks() *Tasks {
	t := &Tasks{tasks: make(map[string]Task)}
	t.Register("echo", echo)
	t.Register("sleep", sleep)
	return t
}

// Register installs fn under name, replacing any previous task.
func (t *Tasks) Register(name string, fn Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[name] = fn
}

// Names lists the registered tasks.
func (t *Tasks) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tasks))
	for name := range t.tasks {
		names = append(names, name)
	}
	return names
}

// Execute implements jobs.Executor.
func (t *Tasks) Execute(ctx context.Context, _ *domain.Job, payload domain.Payload) (json.RawMessage, error) {
	p, ok := payload.(domain.BackgroundTaskPayload)
	if !ok {
		return nil, fmt.Errorf("%w: task executor got %T", jobs.ErrPermanent, payload)
	}

	t.mu.RLock()
	fn, ok := t.tasks[p.Task]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown task %q", jobs.ErrPermanent, p.Task)
	}

	out, err := fn(ctx, p.Args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func echo(_ context.Context, args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

func sleep(ctx context.Context, args map[string]any) (any, error) {
	ms, ok := args["ms"].(float64)
	if !ok || ms < 0 {
		return nil, fmt.Errorf("%w: sleep needs a non-negative \"ms\" argument", jobs.ErrPermanent)
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxSleep {
		return nil, fmt.Errorf("%w: sleep longer than %s", jobs.ErrPermanent, MaxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"sleptMs": d.Milliseconds()}, nil
	}
}
