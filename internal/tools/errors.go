// Package tools is the tool execution gateway: it dispatches a named
// tool call with its arguments against a working directory and reports
// failures as typed [Failure] values.
//
// This file defines the failure taxonomy.
package tools

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a tool call did not succeed.
type FailureKind int

const (
	// UnregisteredTool means no built-in or registered handler has the
	// requested name. It is a configuration defect, not a transient
	// failure.
	UnregisteredTool FailureKind = iota + 1
	// ToolTimeout means the call exceeded its time budget.
	ToolTimeout
	// ToolExecutionError means the handler ran and reported failure.
	ToolExecutionError
)

func (k FailureKind) String() string {
	switch k {
	case UnregisteredTool:
		return "unregistered_tool"
	case ToolTimeout:
		return "tool_timeout"
	case ToolExecutionError:
		return "tool_execution_error"
	default:
		return fmt.Sprintf("failure_kind(%d)", int(k))
	}
}

// Failure is the error returned by [Gateway.Execute].
type Failure struct {
	Kind FailureKind
	Tool string
	Err  error
	// Output holds whatever the tool produced before failing, such as a
	// failed command's stderr.
	Output string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	switch f.Kind {
	case UnregisteredTool:
		return fmt.Sprintf("tool %q is not registered", f.Tool)
	case ToolTimeout:
		return fmt.Sprintf("tool %q timed out", f.Tool)
	default:
		if f.Err == nil {
			return fmt.Sprintf("tool %q failed", f.Tool)
		}
		return fmt.Sprintf("tool %q failed: %v", f.Tool, f.Err)
	}
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind of err, or 0 when err is not a
// [Failure].
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
