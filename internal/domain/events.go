package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobEvent announces a persisted status change.
type JobEvent struct {
	JobID     string          `json:"jobId"`
	UserID    string          `json:"userId"`
	Type      JobType         `json:"type"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFromJob snapshots job into an event.
func EventFromJob(job *Job) JobEvent {
	return JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		Type:      job.Type,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Result:    job.Result,
		Error:     job.LastError,
		Timestamp: time.Now().UTC(),
	}
}

// StatusFeed fans job events out to every interested process.
type StatusFeed interface {
	// Broadcast publishes an event to all subscribers.
	Broadcast(ctx context.Context, event JobEvent) error

	// Subscribe streams events until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan JobEvent, error)
}
