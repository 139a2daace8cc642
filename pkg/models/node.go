package models

// NodeKind categorizes a node within the workflow graph.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindTransform NodeKind = "transform"
)

// HandlerMerge is the reserved handler key for join nodes. A merge node
// blocks until all of its live predecessors resolve before running.
const HandlerMerge = "merge"

// ParamTimeout is the reserved node parameter overriding the workflow
// default handler deadline, in seconds.
const ParamTimeout = "timeout"

// Node is a single vertex of a workflow graph. Handler is a string key
// resolved against the handler registry at execution time; Label is
// presentation-only and ignored by the engine.
type Node struct {
	ID         string         `json:"id"      validate:"required"`
	Kind       NodeKind       `json:"kind"    validate:"required,oneof=trigger action condition transform"`
	Handler    string         `json:"handler" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Label      string         `json:"label,omitempty"`
}

// IsMerge reports whether this node is a designated join point.
func (n *Node) IsMerge() bool {
	return n.Handler == HandlerMerge
}

// Edge is a directed connection between two nodes. An edge with an
// empty Condition is unconditional and is satisfied when its source
// node completes successfully. A conditional edge is evaluated against
// the execution context once its source node has resolved, which lets
// workflows route around failures with conditions on the source result.
type Edge struct {
	ID        string `json:"id,omitempty"`
	SourceID  string `json:"source"  validate:"required"`
	TargetID  string `json:"target"  validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// TriggerKind enumerates the supported activation sources.
type TriggerKind string

const (
	TriggerKindWebhook  TriggerKind = "webhook"
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindEvent    TriggerKind = "event"
)

// Trigger binds an activation source to the entry node it fires. The
// entry node must have in-degree zero within the graph reachable from
// it. Config is source-specific: a cron expression for schedules, a
// path and secret for webhooks, an event filter for external events.
type Trigger struct {
	ID     string         `json:"id"     validate:"required"`
	Kind   TriggerKind    `json:"kind"   validate:"required,oneof=webhook schedule manual event"`
	Config map[string]any `json:"config,omitempty"`
	NodeID string         `json:"node_id" validate:"required"`
}
