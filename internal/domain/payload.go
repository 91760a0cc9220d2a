package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned when a payload does not match the schema of its job type.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the typed input of a job. Each job type has exactly one payload type.
type Payload interface {
	JobType() JobType
}

// CodeExecutionPayload carries source code to run in the sandbox.
type CodeExecutionPayload struct {
	Language       string `json:"language" validate:"required,alphanum,max=32"`
	Code           string `json:"code" validate:"required,max=65536"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"omitempty,min=1,max=300"`
}

func (CodeExecutionPayload) JobType() JobType { return JobTypeCodeExecution }

// BackgroundTaskPayload names a predefined task and its arguments.
type BackgroundTaskPayload struct {
	Task string         `json:"task" validate:"required,max=64"`
	Args map[string]any `json:"args,omitempty"`
}

func (BackgroundTaskPayload) JobType() JobType { return JobTypeBackgroundTask }

// DecodePayload parses raw into the payload type of t and validates it.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, t)
	}

	var p Payload
	switch t {
	case JobTypeCodeExecution:
		var v CodeExecutionPayload
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case JobTypeBackgroundTask:
		var v BackgroundTaskPayload
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, t)
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
