package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobType selects the routing key and the executor for a job.
type JobType string

const (
	// JobTypeCodeExecution runs caller-submitted code inside the sandbox.
	JobTypeCodeExecution JobType = "CODE_EXECUTION"
	// JobTypeBackgroundTask runs one of the predefined background tasks.
	JobTypeBackgroundTask JobType = "BACKGROUND_TASK"
)

// JobTypes lists every job type the pipeline knows how to route.
var JobTypes = []JobType{JobTypeCodeExecution, JobTypeBackgroundTask}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the unit of asynchronous work.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Status         Status          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Attempts       int             `json:"attempts"`
	Failures       int             `json:"failures"`
	MaxAttempts    int             `json:"maxAttempts"`
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         string          `json:"userId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Exhausted reports whether the job has used up its allowed attempts.
// Retried failures count against MaxAttempts too.
func (j *Job) Exhausted() bool {
	return j.Attempts+j.Failures >= j.MaxAttempts
}

// JobUpdate lists the fields to change on a job. Nil fields are left alone.
type JobUpdate struct {
	Status    *Status
	Attempts  *int
	Failures  *int
	Result    json.RawMessage
	LastError *string
}

// Apply copies the set fields of u onto j.
func (u JobUpdate) Apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.Failures != nil {
		j.Failures = *u.Failures
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.LastError != nil {
		j.LastError = *u.LastError
	}
}

// Store errors.
var (
	ErrJobNotFound             = errors.New("job not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already in use")
)

// JobStore persists jobs. It is the single source of truth for job state and
// must serialize concurrent updates to the same job.
type JobStore interface {
	// Create inserts a new job. It returns ErrDuplicateIdempotencyKey if the
	// job's idempotency key is already taken.
	Create(ctx context.Context, job *Job) error

	// FindByID returns ErrJobNotFound if no job has the given id.
	FindByID(ctx context.Context, id string) (*Job, error)

	// FindByIdempotencyKey returns ErrJobNotFound if no job has the given key.
	FindByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	// Update applies u to the job and returns the stored result.
	Update(ctx context.Context, id string, u JobUpdate) (*Job, error)

	// ListByUser returns the jobs owned by userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Job, error)
}
