package agent

import "errors"

// Loop-level failures. Tool failures are *tools.Failure values; an
// unregistered tool is surfaced to the caller as one, wrapped.
var (
	// ErrModelGeneration means the model failed before the loop had
	// observed anything it could answer from.
	ErrModelGeneration = errors.New("model generation failed")
	// ErrInvalidRequest rejects a request missing required fields.
	ErrInvalidRequest = errors.New("invalid loop request")
	// ErrWorkspace means no working directory could be resolved.
	ErrWorkspace = errors.New("working directory unavailable")
)
