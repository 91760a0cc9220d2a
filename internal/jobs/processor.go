package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/platform/idempotency"
)

// MarkerPolicy decides when the idempotency marker is written.
type MarkerPolicy string

const (
	// MarkBefore claims the marker before the executor runs. A redelivery
	// after a failed run is acknowledged as already done.
	MarkBefore MarkerPolicy = "before"
	// MarkAfter writes the marker only once the executor succeeded, so a
	// failed run is retried on redelivery. Failed runs are counted and the
	// job fails once successes and failures together reach MaxAttempts;
	// until then every failure is requeued at once, without delay.
	MarkAfter MarkerPolicy = "after"
)

// completeAttempts bounds the writes of a COMPLETED status before the
// delivery is given back to the broker.
const completeAttempts = 3

// Guard is the idempotency marker store.
type Guard interface {
	Exists(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

var _ Guard = (*idempotency.Guard)(nil)

// ProcessorConfig tunes message handling.
type ProcessorConfig struct {
	MarkerTTL    time.Duration
	MarkerPolicy MarkerPolicy
	// ExecTimeout bounds a single executor call. Zero means no bound.
	ExecTimeout time.Duration
	// FailOpen runs the executor without deduplication when the guard is
	// unreachable instead of requeueing the message.
	FailOpen bool
	// CompleteRetryDelay separates retries of the COMPLETED write.
	CompleteRetryDelay time.Duration
}

// Processor drives a job through its lifecycle when its message is delivered.
type Processor struct {
	store     domain.JobStore
	guard     Guard
	executors *Registry
	cfg       ProcessorConfig
	options
}

// NewProcessor wires the consume path.
func NewProcessor(store domain.JobStore, guard Guard, executors *Registry, cfg ProcessorConfig, opts ...Option) *Processor {
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = idempotency.DefaultTTL
	}
	if cfg.MarkerPolicy == "" {
		cfg.MarkerPolicy = MarkBefore
	}
	if cfg.CompleteRetryDelay <= 0 {
		cfg.CompleteRetryDelay = 200 * time.Millisecond
	}
	return &Processor{
		store:     store,
		guard:     guard,
		executors: executors,
		cfg:       cfg,
		options:   newOptions(opts),
	}
}

// Handle implements domain.MessageHandler.
func (p *Processor) Handle(ctx context.Context, msg domain.Message) (domain.Disposition, error) {
	var ref domain.JobMessage
	if err := sonic.Unmarshal(msg.Body, &ref); err != nil {
		return domain.Reject, fmt.Errorf("malformed message %s: %w", msg.ID, err)
	}
	if ref.JobID == "" {
		return domain.Reject, fmt.Errorf("message %s carries no job id", msg.ID)
	}

	job, err := p.store.FindByID(ctx, ref.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return domain.Reject, err
	}
	if err != nil {
		return domain.Requeue, fmt.Errorf("load job %s: %w", ref.JobID, err)
	}

	log := p.logger.With("jobID", job.ID, "type", job.Type, "redelivered", msg.Redelivered)

	if job.Status.Terminal() {
		log.Info("Job already finished, dropping delivery", "status", job.Status)
		p.metrics.jobDuplicate(ctx, job.Type)
		return domain.Ack, nil
	}

	if job.Exhausted() {
		p.fail(ctx, job, fmt.Sprintf("attempts exhausted (%d completed, %d failed, max %d)", job.Attempts, job.Failures, job.MaxAttempts), false)
		return domain.Reject, nil
	}

	if job.IdempotencyKey == "" {
		return domain.Reject, fmt.Errorf("job %s has no idempotency key", job.ID)
	}

	exec, ok := p.executors.Lookup(job.Type)
	if !ok {
		p.fail(ctx, job, fmt.Sprintf("no executor for job type %s", job.Type), false)
		return domain.Reject, nil
	}
	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		p.fail(ctx, job, err.Error(), false)
		return domain.Reject, nil
	}

	proceed, err := p.admit(ctx, job)
	if err != nil {
		if !p.cfg.FailOpen {
			p.metrics.jobRequeued(ctx, job.Type)
			return domain.Requeue, err
		}
		log.Warn("Idempotency guard unavailable, executing without deduplication", "error", err)
	} else if !proceed {
		log.Info("Duplicate delivery, skipping execution")
		p.metrics.jobDuplicate(ctx, job.Type)
		return domain.Ack, nil
	}

	processing := domain.StatusProcessing
	if updated, err := p.store.Update(ctx, job.ID, domain.JobUpdate{Status: &processing}); err != nil {
		log.Warn("Failed to persist PROCESSING", "error", err)
	} else {
		p.announce(ctx, updated)
	}

	started := time.Now()
	result, err := p.execute(ctx, exec, job, payload)
	p.metrics.execDuration(ctx, job.Type, time.Since(started))
	if errors.Is(err, ErrPermanent) {
		p.fail(ctx, job, err.Error(), true)
		return domain.Reject, err
	}
	if err != nil {
		log.Error("Job execution failed", "error", err)
		p.retry(ctx, job, err)
		p.metrics.jobRequeued(ctx, job.Type)
		return domain.Requeue, err
	}

	updated, err := p.complete(ctx, job, result)
	if err != nil {
		// Under MarkBefore the claimed marker stays, so the redelivery is
		// acknowledged without running the executor again.
		log.Error("Failed to persist completion", "markerPolicy", p.cfg.MarkerPolicy, "error", err)
		p.metrics.jobRequeued(ctx, job.Type)
		return domain.Requeue, fmt.Errorf("persist completion of job %s: %w", job.ID, err)
	}

	if p.cfg.MarkerPolicy == MarkAfter {
		if err := p.guard.Mark(ctx, job.IdempotencyKey, p.cfg.MarkerTTL); err != nil {
			log.Warn("Failed to write idempotency marker", "error", err)
		}
	}

	log.Info("Job completed", "attempts", updated.Attempts, "duration", time.Since(started))
	p.metrics.jobCompleted(ctx, job.Type)
	p.announce(ctx, updated)
	return domain.Ack, nil
}

// admit consults the guard. It reports false when another delivery of the
// same idempotency key has already been admitted.
func (p *Processor) admit(ctx context.Context, job *domain.Job) (bool, error) {
	if p.cfg.MarkerPolicy == MarkAfter {
		seen, err := p.guard.Exists(ctx, job.IdempotencyKey)
		return !seen, err
	}
	return p.guard.Claim(ctx, job.IdempotencyKey, p.cfg.MarkerTTL)
}

func (p *Processor) execute(ctx context.Context, exec Executor, job *domain.Job, payload domain.Payload) (result json.RawMessage, err error) {
	if p.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ExecTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	return exec.Execute(ctx, job, payload)
}

// complete records the successful run, retrying the write a few times.
func (p *Processor) complete(ctx context.Context, job *domain.Job, result json.RawMessage) (*domain.Job, error) {
	completed := domain.StatusCompleted
	attempts := job.Attempts + 1
	update := domain.JobUpdate{Status: &completed, Attempts: &attempts, Result: result}

	var err error
	for i := 0; i < completeAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.CompleteRetryDelay):
			}
		}
		var updated *domain.Job
		if updated, err = p.store.Update(ctx, job.ID, update); err == nil {
			return updated, nil
		}
		p.logger.Warn("Failed to persist COMPLETED, retrying", "jobID", job.ID, "try", i+1, "error", err)
	}
	return nil, err
}

// retry puts the job back to PENDING so that it reads correctly while the
// broker redelivers it.
func (p *Processor) retry(ctx context.Context, job *domain.Job, cause error) {
	pending := domain.StatusPending
	msg := cause.Error()
	failures := job.Failures + 1
	updated, err := p.store.Update(ctx, job.ID, domain.JobUpdate{Status: &pending, LastError: &msg, Failures: &failures})
	if err != nil {
		p.logger.Error("Failed to record job failure", "jobID", job.ID, "error", err)
		return
	}
	p.announce(ctx, updated)
}

// fail moves the job to FAILED. ran reports whether the executor was
// invoked, which counts as an attempt.
func (p *Processor) fail(ctx context.Context, job *domain.Job, reason string, ran bool) {
	p.logger.Warn("Job failed permanently", "jobID", job.ID, "reason", reason)
	failed := domain.StatusFailed
	update := domain.JobUpdate{Status: &failed, LastError: &reason}
	if ran {
		attempts := job.Attempts + 1
		update.Attempts = &attempts
	}
	updated, err := p.store.Update(ctx, job.ID, update)
	if err != nil {
		p.logger.Error("Failed to mark job failed", "jobID", job.ID, "error", err)
		return
	}
	p.metrics.jobFailed(ctx, job.Type)
	p.announce(ctx, updated)
}
