package store

import (
	"errors"
	"fmt"
)

// Standard storage error types that all backends use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates an execution was not found by id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionFinalized indicates a write was attempted against an
	// execution that already reached a terminal status.
	ErrExecutionFinalized = errors.New("execution already finalized")

	// ErrNotTerminalStatus indicates Finalize was called with a
	// non-terminal status.
	ErrNotTerminalStatus = errors.New("finalize requires a terminal status")
)

// ExecutionError wraps execution-store failures with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates an execution storage error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsWorkflowNotFound reports whether err is a workflow-not-found error.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound reports whether err is an execution-not-found error.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}
