package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dontdude/goxec/internal/domain"
)

// Memory is an in-process JobStore. It suits tests and single-process
// deployments where the API runs the worker itself.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	byKey map[string]string
}

var _ domain.JobStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*domain.Job),
		byKey: make(map[string]string),
	}
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	cp.Result = slices.Clone(j.Result)
	return &cp
}

// Create implements domain.JobStore.
func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byKey[job.IdempotencyKey]; taken {
		return domain.ErrDuplicateIdempotencyKey
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = clone(job)
	m.byKey[job.IdempotencyKey] = job.ID
	return nil
}

// FindByID implements domain.JobStore.
func (m *Memory) FindByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(j), nil
}

// FindByIdempotencyKey implements domain.JobStore.
func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(m.jobs[id]), nil
}

// Update implements domain.JobStore.
func (m *Memory) Update(_ context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	u.Apply(j)
	j.UpdatedAt = time.Now().UTC()
	return clone(j), nil
}

// ListByUser implements domain.JobStore.
func (m *Memory) ListByUser(_ context.Context, userID string) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Job, 0)
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, clone(j))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}
