package domain

import (
	"context"
	"time"
)

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	Language string
	Code     string
	// Timeout bounds the run. Zero means the runner default.
	Timeout time.Duration
}

// RunOutput is the result of an isolated code execution.
type RunOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Duration int64  `json:"durationMs"`
}

// ContainerRunner defines the contract for executing code within an isolated container environment.
// Implementations handle the low-level container lifecycle and must not give the code access to
// the host's network or filesystem.
type ContainerRunner interface {
	// Run executes the snippet and returns its output. A non-zero exit code is
	// reported in RunOutput, not as an error.
	Run(ctx context.Context, spec RunSpec) (RunOutput, error)

	// Supports reports whether the runner has an image for language.
	Supports(language string) bool
}
