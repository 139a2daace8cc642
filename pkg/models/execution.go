package models

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
// queued, waiting and running are the non-terminal states; no
// transition is permitted out of success or error. waiting marks an
// execution held at its workflow's concurrency cap: admitted by an
// engine but not yet started. A node waiting on a slow handler is an
// engine-internal condition, not a top-level status.
type ExecutionStatus string

const (
	ExecutionStatusQueued  ExecutionStatus = "queued"
	ExecutionStatusWaiting ExecutionStatus = "waiting"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusError   ExecutionStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusError
}

// NodeStatus is the state of a single node within an execution.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// ErrorKind classifies terminal errors for executions and node results.
type ErrorKind string

const (
	ErrorKindHandlerNotFound ErrorKind = "HandlerNotFound"
	ErrorKindBadParameters   ErrorKind = "BadParameters"
	ErrorKindHandler         ErrorKind = "HandlerError"
	ErrorKindTimeout         ErrorKind = "Timeout"
	ErrorKindCancelled       ErrorKind = "Cancelled"
	ErrorKindOrphaned        ErrorKind = "Orphaned"
)

// ExecutionError is the top-level failure attached to a terminal
// execution: a machine-readable kind plus a human-readable reason.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NodeResult records the outcome of one node dispatch. Output is merged
// into the execution context for downstream nodes; results are appended
// in completion order, not declaration order.
type NodeResult struct {
	NodeID    string         `json:"node_id"`
	Status    NodeStatus     `json:"status"`
	Attempts  int            `json:"attempts,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
}

// Failed reports whether the node resolved with an error.
func (r *NodeResult) Failed() bool {
	return r.Status == NodeStatusError
}

// Execution is the durable record of one activation of a workflow.
// It is created queued by the trigger registry and mutated only during
// its running lifetime; once terminal it is immutable. TriggerData
// preserves the raw activation payload so an engine picking the
// execution up in another process can reseed the context.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	TriggerID      string          `json:"trigger_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	Status         ExecutionStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Results        []*NodeResult   `json:"results,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
}

// Duration returns the wall-clock run time, or zero while in flight.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}

	return e.EndedAt.Sub(*e.StartedAt)
}

// ResultFor returns the recorded result for a node, or nil.
func (e *Execution) ResultFor(nodeID string) *NodeResult {
	for _, r := range e.Results {
		if r.NodeID == nodeID {
			return r
		}
	}

	return nil
}
