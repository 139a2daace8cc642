package protocol

import "context"

// Activation is what an activation source hands to the trigger
// registry: the trigger that fired, its raw payload, and the natural
// event id of the upstream delivery when one exists (webhook delivery
// id, message offset). The event id drives duplicate suppression.
type Activation struct {
	WorkflowID      string
	TriggerID       string
	Payload         map[string]any
	ExternalEventID string
}

// ActivationCallback is invoked by a running source for each event.
type ActivationCallback func(ctx context.Context, activation Activation) error

// ActivationSource is a long-running producer of activations, such as
// the cron ticker behind schedule triggers. Sources stop when their
// context is cancelled or Stop is called.
type ActivationSource interface {
	Start(ctx context.Context, callback ActivationCallback) error
	Stop(ctx context.Context) error
}
