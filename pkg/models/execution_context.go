package models

// KeyTrigger is the reserved context key holding the raw trigger payload.
const KeyTrigger = "trigger"

// ExecutionContext is the mutable scratch space of one in-flight
// execution, seeded from workflow variables and the trigger payload.
// It is owned exclusively by a single execution; the engine merges node
// outputs from its dispatch loop, so no locking is required.
type ExecutionContext struct {
	ID          string                    `json:"id"`
	WorkflowID  string                    `json:"workflow_id"`
	TriggerData map[string]any            `json:"trigger_data,omitempty"`
	Variables   map[string]any            `json:"variables,omitempty"`
	NodeOutputs map[string]map[string]any `json:"node_outputs,omitempty"`
	NodeErrors  map[string]string         `json:"node_errors,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
}

// NewExecutionContext seeds a fresh context for one activation.
func NewExecutionContext(executionID, workflowID string, variables, triggerData map[string]any) *ExecutionContext {
	if variables == nil {
		variables = make(map[string]any)
	}

	if triggerData == nil {
		triggerData = make(map[string]any)
	}

	return &ExecutionContext{
		ID:          executionID,
		WorkflowID:  workflowID,
		TriggerData: triggerData,
		Variables:   variables,
		NodeOutputs: make(map[string]map[string]any),
		NodeErrors:  make(map[string]string),
		Metadata:    make(map[string]any),
	}
}

// MergeResult folds a resolved node result into the context, making its
// output (or failure) visible to downstream conditions and parameters.
func (c *ExecutionContext) MergeResult(result *NodeResult) {
	if result == nil {
		return
	}

	if result.Status == NodeStatusSuccess {
		c.NodeOutputs[result.NodeID] = result.Output
	}

	if result.Failed() {
		c.NodeErrors[result.NodeID] = result.Error
	}
}

// Env builds the environment edge conditions and parameter templates
// are evaluated against. When sourceNodeID is non-empty, the resolved
// source of the edge under evaluation is exposed under "source".
func (c *ExecutionContext) Env(sourceNodeID string) map[string]any {
	env := map[string]any{
		KeyTrigger: c.TriggerData,
		"vars":     c.Variables,
		"nodes":    c.NodeOutputs,
		"errors":   c.NodeErrors,
		"execution": map[string]any{
			"id":          c.ID,
			"workflow_id": c.WorkflowID,
		},
	}

	if sourceNodeID != "" {
		errMsg, failed := c.NodeErrors[sourceNodeID]
		env["source"] = map[string]any{
			"id":     sourceNodeID,
			"output": c.NodeOutputs[sourceNodeID],
			"failed": failed,
			"error":  errMsg,
		}
	}

	return env
}
