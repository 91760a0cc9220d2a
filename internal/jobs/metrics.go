package jobs

import (
	"context"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dontdude/goxec/internal/jobs"

// Metrics records pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	submitted  metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	requeued   metric.Int64Counter
	duplicates metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("goxec.jobs.submitted",
		metric.WithDescription("Jobs created and enqueued")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("goxec.jobs.completed",
		metric.WithDescription("Jobs that finished successfully")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("goxec.jobs.failed",
		metric.WithDescription("Jobs moved to FAILED")); err != nil {
		return nil, err
	}
	if m.requeued, err = meter.Int64Counter("goxec.jobs.requeued",
		metric.WithDescription("Deliveries handed back to the broker for redelivery")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("goxec.jobs.duplicates",
		metric.WithDescription("Deliveries acknowledged without execution")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("goxec.jobs.exec.duration",
		metric.WithDescription("Executor run time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func typeAttr(t domain.JobType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job.type", string(t)))
}

func (m *Metrics) jobSubmitted(ctx context.Context, t domain.JobType) {
	if m != nil {
		m.submitted.Add(ctx, 1, typeAttr(t))
	}
}

func (m *Metrics) jobCompleted(ctx context.Context, t domain.JobType) {
	if m != nil {
		m.completed.Add(ctx, 1, typeAttr(t))
	}
}

func (m *Metrics) jobFailed(ctx context.Context, t domain.JobType) {
	if m != nil {
		m.failed.Add(ctx, 1, typeAttr(t))
	}
}

func (m *Metrics) jobRequeued(ctx context.Context, t domain.JobType) {
	if m != nil {
		m.requeued.Add(ctx, 1, typeAttr(t))
	}
}

func (m *Metrics) jobDuplicate(ctx context.Context, t domain.JobType) {
	if m != nil {
		m.duplicates.Add(ctx, 1, typeAttr(t))
	}
}

func (m *Metrics) execDuration(ctx context.Context, t domain.JobType, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), typeAttr(t))
}
