package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/platform/broker"
	"github.com/dontdude/goxec/internal/platform/idempotency"
	"github.com/dontdude/goxec/internal/platform/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type published struct {
	routingKey string
	payload    any
	opts       int
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, payload any, opts ...broker.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, published{routingKey: routingKey, payload: payload, opts: len(opts)})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingFeed struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *recordingFeed) Broadcast(_ context.Context, e domain.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *recordingFeed) Subscribe(context.Context) (<-chan domain.JobEvent, error) {
	return nil, nil
}

func (f *recordingFeed) statuses() []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Status, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Status)
	}
	return out
}

// countingExecutor fails the first failures calls, then succeeds.
type countingExecutor struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (e *countingExecutor) Execute(context.Context, *domain.Job, domain.Payload) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, e.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newGuard(t *testing.T) (*mrd.Miniredis, *idempotency.Guard) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, idempotency.NewGuard(rdb)
}

func newMeter(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func seedJob(t *testing.T, s *store.Memory, job domain.Job) *domain.Job {
	t.Helper()
	if job.ID == "" {
		job.ID = "job-1"
	}
	if job.Type == "" {
		job.Type = domain.JobTypeBackgroundTask
	}
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	if job.Payload == nil {
		job.Payload = json.RawMessage(`{"task":"echo"}`)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	require.NoError(t, s.Create(context.Background(), &job))
	return &job
}

func delivery(t *testing.T, jobID string) domain.Message {
	t.Helper()
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	require.NoError(t, err)
	return domain.Message{ID: jobID, RoutingKey: string(domain.JobTypeBackgroundTask), Body: body}
}
