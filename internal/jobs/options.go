package jobs

import (
	"context"
	"log/slog"

	"github.com/dontdude/goxec/internal/domain"
)

// DefaultMaxAttempts applies when a submission does not set its own ceiling.
const DefaultMaxAttempts = 3

type options struct {
	feed        domain.StatusFeed
	metrics     *Metrics
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Service or a Processor.
type Option func(*options)

// WithFeed announces every persisted status change on feed.
func WithFeed(feed domain.StatusFeed) Option {
	return func(o *options) { o.feed = feed }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDefaultMaxAttempts overrides DefaultMaxAttempts for new jobs.
func WithDefaultMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{maxAttempts: DefaultMaxAttempts, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) announce(ctx context.Context, job *domain.Job) {
	if o.feed == nil {
		return
	}
	if err := o.feed.Broadcast(ctx, domain.EventFromJob(job)); err != nil {
		o.logger.Warn("Failed to broadcast job event", "jobID", job.ID, "error", err)
	}
}
