// Package events defines the typed notifications the engine publishes
// over the event bus for each execution lifecycle transition.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/pkg/models"
)

type EventType string

// Topic is the bus topic all engine events are published on.
const Topic = "voxline.executions"

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionQueuedEvent   EventType = "execution.queued"
	ExecutionStartedEvent  EventType = "execution.started"
	NodeCompletedEvent     EventType = "execution.node.completed"
	ExecutionFinishedEvent EventType = "execution.finished"
)

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// ExecutionQueued is published when an activation is accepted and an
// execution record is created.
type ExecutionQueued struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	TriggerID   string `json:"trigger_id,omitempty"`
}

func (e ExecutionQueued) GetType() EventType {
	return ExecutionQueuedEvent
}

// ExecutionStarted is published when the engine begins dispatching.
type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// NodeCompleted is published for every resolved node, in completion order.
type NodeCompleted struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Status      models.NodeStatus `json:"status"`
	Attempts    int               `json:"attempts,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	Error       string            `json:"error,omitempty"`
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

// ExecutionFinished is published exactly once per execution when it
// reaches a terminal status; the metrics aggregator consumes it.
type ExecutionFinished struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	Duration    time.Duration          `json:"duration"`
	Error       *models.ExecutionError `json:"error,omitempty"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}
