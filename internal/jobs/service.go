// Package jobs holds the job pipeline: the submission path that creates and
// enqueues jobs, and the processor that drives a job through its lifecycle
// when the broker delivers it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/platform/broker"
	"github.com/google/uuid"
)

// ErrInvalidJob wraps every submission validation failure.
var ErrInvalidJob = errors.New("invalid job")

// Publisher enqueues a message on the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any, opts ...broker.PublishOption) error
}

// SubmitRequest is the caller's description of a new job.
type SubmitRequest struct {
	Type           domain.JobType
	Payload        json.RawMessage
	IdempotencyKey string
	MaxAttempts    int
	UserID         string
}

// Service is the submission side of the pipeline plus read access for callers.
type Service struct {
	store     domain.JobStore
	publisher Publisher
	options
}

// NewService wires the submission path.
func NewService(store domain.JobStore, publisher Publisher, opts ...Option) *Service {
	return &Service{store: store, publisher: publisher, options: newOptions(opts)}
}

// Submit creates a PENDING job and enqueues it under routing key = job type.
// If the idempotency key already belongs to a job, that job is returned and
// nothing is published; created reports which case happened. If publishing
// fails the job is marked FAILED and the publish error is returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (job *domain.Job, created bool, err error) {
	if !req.Type.Valid() {
		return nil, false, fmt.Errorf("%w: unknown type %q", ErrInvalidJob, req.Type)
	}
	if _, err := domain.DecodePayload(req.Type, req.Payload); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, false, err
		}
	}

	job = &domain.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Status:         domain.StatusPending,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.maxAttempts
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = uuid.NewString()
	}

	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// A concurrent submission with the same key won the insert.
			existing, findErr := s.store.FindByIdempotencyKey(ctx, job.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	log := s.logger.With("jobID", job.ID, "type", job.Type)
	err = s.publisher.Publish(ctx, string(job.Type), domain.JobMessage{JobID: job.ID},
		broker.WithMandatory(), broker.WithMessageID(job.ID))
	if err != nil {
		log.Error("Failed to publish job", "error", err)
		s.markFailed(context.WithoutCancel(ctx), job, err)
		return nil, false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	log.Info("Job submitted", "userID", job.UserID)
	s.metrics.jobSubmitted(ctx, job.Type)
	s.announce(ctx, job)
	return job, true, nil
}

func (s *Service) markFailed(ctx context.Context, job *domain.Job, cause error) {
	status := domain.StatusFailed
	msg := cause.Error()
	updated, err := s.store.Update(ctx, job.ID, domain.JobUpdate{Status: &status, LastError: &msg})
	if err != nil {
		s.logger.Error("Failed to mark job failed", "jobID", job.ID, "error", err)
		return
	}
	s.metrics.jobFailed(ctx, job.Type)
	s.announce(ctx, updated)
}

// Get returns the job if it belongs to userID.
func (s *Service) Get(ctx context.Context, id, userID string) (*domain.Job, error) {
	job, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// List returns the jobs owned by userID.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Job, error) {
	return s.store.ListByUser(ctx, userID)
}
