package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/platform/idempotency"
	"github.com/dontdude/goxec/internal/platform/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type processorFixture struct {
	store *store.Memory
	guard *idempotency.Guard
	exec  *countingExecutor
	feed  *recordingFeed
	proc  *Processor
}

func newProcessorFixture(t *testing.T, cfg ProcessorConfig, exec *countingExecutor, opts ...Option) *processorFixture {
	t.Helper()
	_, guard := newGuard(t)
	if exec == nil {
		exec = &countingExecutor{}
	}
	reg := NewRegistry()
	reg.Register(domain.JobTypeBackgroundTask, exec)
	feed := &recordingFeed{}
	st := store.NewMemory()
	opts = append([]Option{WithFeed(feed)}, opts...)
	return &processorFixture{
		store: st,
		guard: guard,
		exec:  exec,
		feed:  feed,
		proc:  NewProcessor(st, guard, reg, cfg, opts...),
	}
}

func (f *processorFixture) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestProcessor_SuccessCompletesJob(t *testing.T) {
	m, reader := newMeter(t)
	f := newProcessorFixture(t, ProcessorConfig{}, nil, WithMetrics(m))
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", MaxAttempts: 3})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Equal(t, 1, f.exec.count())

	assert.Equal(t, []domain.Status{domain.StatusProcessing, domain.StatusCompleted}, f.feed.statuses())
	assert.Equal(t, int64(1), counterValue(t, reader, "goxec.jobs.completed"))
}

func TestProcessor_ExhaustedJobFails(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{}, nil)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", Attempts: 3, MaxAttempts: 3})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Reject, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "exhausted")
	assert.Zero(t, f.exec.count())
}

func TestProcessor_MarkedKeyIsAcknowledgedWithoutExecution(t *testing.T) {
	for _, policy := range []MarkerPolicy{MarkBefore, MarkAfter} {
		t.Run(string(policy), func(t *testing.T) {
			f := newProcessorFixture(t, ProcessorConfig{MarkerPolicy: policy}, nil)
			seedJob(t, f.store, domain.Job{IdempotencyKey: "k1"})
			require.NoError(t, f.guard.Mark(context.Background(), "k1", time.Hour))

			disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
			require.NoError(t, err)
			assert.Equal(t, domain.Ack, disp)
			assert.Zero(t, f.exec.count())

			job := f.job(t, "job-1")
			assert.Equal(t, domain.StatusPending, job.Status)
			assert.Zero(t, job.Attempts)
		})
	}
}

func TestProcessor_MarkBeforeTurnsRedeliveryIntoNoOp(t *testing.T) {
	exec := &countingExecutor{failures: 1, err: errBoom}
	f := newProcessorFixture(t, ProcessorConfig{MarkerPolicy: MarkBefore}, exec)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1"})
	ctx := context.Background()

	disp, err := f.proc.Handle(ctx, delivery(t, "job-1"))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, domain.Requeue, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, "boom", job.LastError)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, 1, job.Failures)

	// The redelivery finds the claimed marker and is acknowledged as done.
	disp, err = f.proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, domain.StatusPending, f.job(t, "job-1").Status)
}

func TestProcessor_MarkAfterRetriesFailedRun(t *testing.T) {
	exec := &countingExecutor{failures: 1, err: errBoom}
	m, reader := newMeter(t)
	f := newProcessorFixture(t, ProcessorConfig{MarkerPolicy: MarkAfter}, exec, WithMetrics(m))
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", MaxAttempts: 3})
	ctx := context.Background()

	disp, _ := f.proc.Handle(ctx, delivery(t, "job-1"))
	assert.Equal(t, domain.Requeue, disp)

	disp, err := f.proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, job.Failures)
	assert.Equal(t, 2, exec.count())

	marked, err := f.guard.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, int64(1), counterValue(t, reader, "goxec.jobs.requeued"))
}

func TestProcessor_TerminalJobIsLeftAlone(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{}, nil)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", Status: domain.StatusCompleted, Attempts: 1})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)
	assert.Zero(t, f.exec.count())
	assert.Equal(t, 1, f.job(t, "job-1").Attempts)
	assert.Empty(t, f.feed.statuses())
}

func TestProcessor_RejectsUnusableMessages(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{}, nil)
	// A row written without an idempotency key.
	seedJob(t, f.store, domain.Job{ID: "no-key"})
	ctx := context.Background()

	tests := []struct {
		name string
		msg  domain.Message
	}{
		{"not json", domain.Message{ID: "m1", Body: []byte("{oops")}},
		{"no job id", domain.Message{ID: "m2", Body: []byte(`{}`)}},
		{"unknown job", delivery(t, "missing")},
		{"no idempotency key", delivery(t, "no-key")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp, err := f.proc.Handle(ctx, tt.msg)
			require.Error(t, err)
			assert.Equal(t, domain.Reject, disp)
		})
	}
	assert.Zero(t, f.exec.count())
}

func TestProcessor_InvalidStoredPayloadFailsJob(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{}, nil)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", Payload: json.RawMessage(`{"args":{}}`)})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Reject, disp)
	assert.Equal(t, domain.StatusFailed, f.job(t, "job-1").Status)
	assert.Zero(t, f.exec.count())
}

func TestProcessor_MissingExecutorFailsJob(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{}, nil)
	seedJob(t, f.store, domain.Job{
		IdempotencyKey: "k1",
		Type:           domain.JobTypeCodeExecution,
		Payload:        json.RawMessage(`{"language":"python","code":"print(1)"}`),
	})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Reject, disp)
	assert.Equal(t, domain.StatusFailed, f.job(t, "job-1").Status)
}

func TestProcessor_GuardUnavailable(t *testing.T) {
	t.Run("fail closed", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{}, nil)
		seedJob(t, f.store, domain.Job{IdempotencyKey: "k1"})
		mr, guard := newGuard(t)
		mr.Close()
		f.proc.guard = guard

		disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
		require.Error(t, err)
		assert.Equal(t, domain.Requeue, disp)
		assert.Zero(t, f.exec.count())
		assert.Equal(t, domain.StatusPending, f.job(t, "job-1").Status)
	})

	t.Run("fail open", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{FailOpen: true}, nil)
		seedJob(t, f.store, domain.Job{IdempotencyKey: "k1"})
		mr, guard := newGuard(t)
		mr.Close()
		f.proc.guard = guard

		disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
		require.NoError(t, err)
		assert.Equal(t, domain.Ack, disp)
		assert.Equal(t, 1, f.exec.count())
		assert.Equal(t, domain.StatusCompleted, f.job(t, "job-1").Status)
	})
}

func TestProcessor_ExecutorPanicRequeues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.JobTypeBackgroundTask, ExecutorFunc(func(context.Context, *domain.Job, domain.Payload) (json.RawMessage, error) {
		panic("executor exploded")
	}))
	_, guard := newGuard(t)
	st := store.NewMemory()
	seedJob(t, st, domain.Job{IdempotencyKey: "k1"})
	proc := NewProcessor(st, guard, reg, ProcessorConfig{MarkerPolicy: MarkAfter})

	disp, err := proc.Handle(context.Background(), delivery(t, "job-1"))
	require.ErrorContains(t, err, "executor exploded")
	assert.Equal(t, domain.Requeue, disp)
}

func TestProcessor_ExecTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.JobTypeBackgroundTask, ExecutorFunc(func(ctx context.Context, _ *domain.Job, _ domain.Payload) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	_, guard := newGuard(t)
	st := store.NewMemory()
	seedJob(t, st, domain.Job{IdempotencyKey: "k1"})
	proc := NewProcessor(st, guard, reg, ProcessorConfig{ExecTimeout: 20 * time.Millisecond})

	disp, err := proc.Handle(context.Background(), delivery(t, "job-1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.Requeue, disp)
}

func TestPipeline_SubmitThenProcess(t *testing.T) {
	st := store.NewMemory()
	pub := &fakePublisher{}
	_, guard := newGuard(t)
	reg := NewRegistry()
	exec := &countingExecutor{}
	reg.Register(domain.JobTypeBackgroundTask, exec)

	svc := NewService(st, pub)
	proc := NewProcessor(st, guard, reg, ProcessorConfig{})
	ctx := context.Background()

	job, _, err := svc.Submit(ctx, SubmitRequest{
		Type:           domain.JobTypeBackgroundTask,
		Payload:        json.RawMessage(`{"task":"echo"}`),
		IdempotencyKey: "k1",
		MaxAttempts:    3,
	})
	require.NoError(t, err)
	require.Equal(t, 1, pub.count())

	body, err := json.Marshal(pub.calls[0].payload)
	require.NoError(t, err)
	msg := domain.Message{ID: job.ID, RoutingKey: pub.calls[0].routingKey, Body: body}

	disp, err := proc.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	// A duplicate delivery of the same message is absorbed.
	msg.Redelivered = true
	disp, err = proc.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	got, err := st.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, exec.count())
}

func TestProcessor_PermanentExecutorErrorFailsJob(t *testing.T) {
	exec := &countingExecutor{failures: 1, err: fmt.Errorf("%w: unknown task", ErrPermanent)}
	f := newProcessorFixture(t, ProcessorConfig{MarkerPolicy: MarkAfter}, exec)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1"})

	disp, err := f.proc.Handle(context.Background(), delivery(t, "job-1"))
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, domain.Reject, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "unknown task")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, exec.count())
}

func TestProcessor_MarkAfterStopsAtMaxAttempts(t *testing.T) {
	exec := &countingExecutor{failures: 100, err: errBoom}
	f := newProcessorFixture(t, ProcessorConfig{MarkerPolicy: MarkAfter}, exec)
	seedJob(t, f.store, domain.Job{IdempotencyKey: "k1", MaxAttempts: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		disp, err := f.proc.Handle(ctx, delivery(t, "job-1"))
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, domain.Requeue, disp)
	}

	disp, err := f.proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Reject, disp)

	job := f.job(t, "job-1")
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Failures)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, 2, exec.count())
}

// flakyStore fails the next failCompleted writes of a COMPLETED status.
type flakyStore struct {
	*store.Memory
	mu            sync.Mutex
	failCompleted int
}

func (s *flakyStore) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	s.mu.Lock()
	if u.Status != nil && *u.Status == domain.StatusCompleted && s.failCompleted > 0 {
		s.failCompleted--
		s.mu.Unlock()
		return nil, errors.New("db down")
	}
	s.mu.Unlock()
	return s.Memory.Update(ctx, id, u)
}

func newFlakyProcessor(t *testing.T, failCompleted int, exec *countingExecutor) (*flakyStore, *Processor) {
	t.Helper()
	_, guard := newGuard(t)
	reg := NewRegistry()
	reg.Register(domain.JobTypeBackgroundTask, exec)
	st := &flakyStore{Memory: store.NewMemory(), failCompleted: failCompleted}
	seedJob(t, st.Memory, domain.Job{IdempotencyKey: "k1"})
	cfg := ProcessorConfig{MarkerPolicy: MarkBefore, CompleteRetryDelay: time.Millisecond}
	return st, NewProcessor(st, guard, reg, cfg)
}

func TestProcessor_CompletionWriteIsRetried(t *testing.T) {
	exec := &countingExecutor{}
	st, proc := newFlakyProcessor(t, 1, exec)
	ctx := context.Background()

	disp, err := proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	disp, err = proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)

	job, err := st.FindByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, exec.count())
}

func TestProcessor_MarkBeforeKeepsMarkerWhenCompletionIsLost(t *testing.T) {
	exec := &countingExecutor{}
	_, proc := newFlakyProcessor(t, completeAttempts, exec)
	ctx := context.Background()

	disp, err := proc.Handle(ctx, delivery(t, "job-1"))
	require.ErrorContains(t, err, "db down")
	assert.Equal(t, domain.Requeue, disp)

	// The redelivery hits the marker and never reaches the executor.
	disp, err = proc.Handle(ctx, delivery(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Ack, disp)
	assert.Equal(t, 1, exec.count())
}
