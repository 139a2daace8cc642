// Package models defines the core domain models for graph-based workflow automation.
package models

import "time"

// VariableType enumerates the allowed types for workflow variables.
type VariableType string

const (
	VariableTypeString  VariableType = "string"
	VariableTypeNumber  VariableType = "number"
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeObject  VariableType = "object"
)

// Variable is a named, typed workflow variable with an optional default value.
type Variable struct {
	Name    string       `json:"name"    validate:"required"`
	Type    VariableType `json:"type"    validate:"required,oneof=string number boolean object"`
	Default any          `json:"default,omitempty"`
}

// Settings carries workflow-level execution tuning.
type Settings struct {
	// NodeTimeout is the default per-node handler deadline. Individual
	// nodes may override it with the "timeout" parameter.
	NodeTimeout time.Duration `json:"node_timeout,omitempty"`
	// MaxAttempts bounds retries of retryable handler failures.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// MaxConcurrentRuns caps simultaneous executions of this workflow.
	// Zero means the engine default applies.
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"`
	// OverflowPolicy decides what happens to activations beyond the cap.
	OverflowPolicy OverflowPolicy `json:"overflow_policy,omitempty"`
}

// OverflowPolicy decides the fate of activations beyond MaxConcurrentRuns.
type OverflowPolicy string

const (
	// OverflowQueue holds excess activations until a slot frees up.
	OverflowQueue OverflowPolicy = "queue"
	// OverflowReject refuses excess activations outright.
	OverflowReject OverflowPolicy = "reject"
)

// Workflow is a directed acyclic graph of typed nodes joined by
// conditional edges, activated by one or more triggers. A workflow is
// treated as immutable once an execution references it; edits replace
// the definition between executions.
type Workflow struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"       validate:"required,min=3"`
	Active    bool        `json:"active"`
	Nodes     []*Node     `json:"nodes"`
	Edges     []*Edge     `json:"edges"`
	Triggers  []*Trigger  `json:"triggers"`
	Variables []*Variable `json:"variables,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Settings  Settings    `json:"settings,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// TriggerByID returns the trigger with the given id, or nil.
func (w *Workflow) TriggerByID(id string) *Trigger {
	for _, t := range w.Triggers {
		if t.ID == id {
			return t
		}
	}

	return nil
}

// VariableDefaults materializes the declared variables at their default
// values. Variables without a default are present with a nil value so
// conditions can reference them without failing compilation.
func (w *Workflow) VariableDefaults() map[string]any {
	vars := make(map[string]any, len(w.Variables))
	for _, v := range w.Variables {
		vars[v.Name] = v.Default
	}

	return vars
}
