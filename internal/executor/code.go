// Package executor provides the built-in job executors: sandboxed code
// execution and a registry of named background tasks.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/jobs"
)

// Code runs CODE_EXECUTION jobs inside the container sandbox. The caller's
// code never runs in the worker process.
type Code struct {
	runner domain.ContainerRunner
	logger *slog.Logger
}

var _ jobs.Executor = (*Code)(nil)

// NewCode returns an executor backed by runner.
func NewCode(runner domain.ContainerRunner) *Code {
	return &Code{runner: runner, logger: slog.Default()}
}

// Execute implements jobs.Executor. A non-zero exit code is a completed run;
// the exit code is part of the result.
func (c *Code) Execute(ctx context.Context, job *domain.Job, payload domain.Payload) (json.RawMessage, error) {
	p, ok := payload.(domain.CodeExecutionPayload)
	if !ok {
		return nil, fmt.Errorf("%w: code executor got %T", jobs.ErrPermanent, payload)
	}
	if !c.runner.Supports(p.Language) {
		return nil, fmt.Errorf("%w: unsupported language %q", jobs.ErrPermanent, p.Language)
	}

	c.logger.Debug("Running code in sandbox", "jobID", job.ID, "language", p.Language)
	out, err := c.runner.Run(ctx, domain.RunSpec{
		Language: p.Language,
		Code:     p.Code,
		Timeout:  time.Duration(p.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox run: %w", err)
	}
	return json.Marshal(out)
}
