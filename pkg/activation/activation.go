// Package activation turns trigger events into queued executions. It
// owns the admission checks every activation path goes through: the
// workflow must be active and structurally valid, and deliveries
// carrying an external event id are deduplicated within a bounded
// window.
package activation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
	"github.com/voxline/voxline/pkg/store"
)

// Rejection reasons. Callers map these onto their own surfaces; the
// HTTP layer turns them into 4xx problem responses.
var (
	ErrWorkflowInactive = errors.New("workflow is inactive")
	ErrValidationFailed = errors.New("workflow validation failed")
	ErrDuplicateEvent   = errors.New("duplicate trigger event")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrNoWebhookMatch   = errors.New("no webhook trigger matches path")
	ErrSecretMismatch   = errors.New("webhook secret mismatch")
)

// Result is an accepted activation: the queued execution record and
// the execution context seeded for it.
type Result struct {
	Execution *models.Execution
	Context   *models.ExecutionContext
}

// Registry is the trigger registry. Every activation source funnels
// through Activate; the kind-specific entry points only resolve which
// workflow and trigger an event belongs to.
type Registry struct {
	workflows  store.WorkflowRepository
	executions store.ExecutionStore
	dedup      Deduper
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
}

func NewRegistry(
	workflows store.WorkflowRepository,
	executions store.ExecutionStore,
	dedup Deduper,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		workflows:  workflows,
		executions: executions,
		dedup:      dedup,
		publisher:  publisher,
		logger:     logger.With("module", "activation"),
	}
}

// Activate admits one trigger event. On success the execution exists
// in the store with status queued and an ExecutionQueued event has
// been published for the engine to pick up.
func (r *Registry) Activate(ctx context.Context, activation protocol.Activation) (*Result, error) {
	workflow, err := r.workflows.GetByID(ctx, activation.WorkflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.Active {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowInactive, workflow.ID)
	}

	findings := models.Validate(workflow)
	if models.HasErrors(findings) {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, firstError(findings))
	}

	trigger := workflow.TriggerByID(activation.TriggerID)
	if trigger == nil {
		return nil, fmt.Errorf("%w: %s in workflow %s", ErrTriggerNotFound, activation.TriggerID, workflow.ID)
	}

	idempotencyKey := ""

	if activation.ExternalEventID != "" {
		idempotencyKey = trigger.ID + ":" + activation.ExternalEventID

		claimed, err := r.dedup.Claim(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check duplicate suppression: %w", err)
		}

		if !claimed {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, idempotencyKey)
		}
	}

	executionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	execution := &models.Execution{
		ID:             executionID.String(),
		WorkflowID:     workflow.ID,
		TriggerID:      trigger.ID,
		IdempotencyKey: idempotencyKey,
		TriggerData:    activation.Payload,
		Status:         models.ExecutionStatusQueued,
	}

	err = r.executions.CreateExecution(ctx, execution)
	if err != nil {
		return nil, err
	}

	executionCtx := models.NewExecutionContext(execution.ID, workflow.ID, workflow.VariableDefaults(), activation.Payload)

	if r.publisher != nil {
		err = r.publisher.Publish(ctx, execution.ID, events.ExecutionQueued{
			BaseEvent:   events.NewBaseEvent(events.ExecutionQueuedEvent, workflow.ID),
			ExecutionID: execution.ID,
			TriggerID:   trigger.ID,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to publish execution queued event",
				"execution_id", execution.ID, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "Activation accepted",
		"workflow_id", workflow.ID,
		"trigger_id", trigger.ID,
		"execution_id", execution.ID)

	return &Result{Execution: execution, Context: executionCtx}, nil
}

// ActivateWebhook matches a webhook delivery to a trigger by path and
// shared secret across all active workflows.
func (r *Registry) ActivateWebhook(ctx context.Context, path, secret string, payload map[string]any, eventID string) (*Result, error) {
	workflow, trigger, err := r.matchWebhook(ctx, path, secret)
	if err != nil {
		return nil, err
	}

	return r.Activate(ctx, protocol.Activation{
		WorkflowID:      workflow.ID,
		TriggerID:       trigger.ID,
		Payload:         payload,
		ExternalEventID: eventID,
	})
}

// ActivateManual starts a workflow through its manual trigger. Manual
// runs carry no external event id and are never deduplicated.
func (r *Registry) ActivateManual(ctx context.Context, workflowID string, payload map[string]any) (*Result, error) {
	workflow, err := r.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	for _, trigger := range workflow.Triggers {
		if trigger.Kind == models.TriggerKindManual {
			return r.Activate(ctx, protocol.Activation{
				WorkflowID: workflow.ID,
				TriggerID:  trigger.ID,
				Payload:    payload,
			})
		}
	}

	return nil, fmt.Errorf("%w: workflow %s has no manual trigger", ErrTriggerNotFound, workflowID)
}

// ActivateEvent fans an external event out to every active workflow
// with a matching event trigger. Per-workflow rejections are logged
// and skipped so one inactive subscriber does not block the rest.
func (r *Registry) ActivateEvent(ctx context.Context, eventName string, payload map[string]any, eventID string) ([]*Result, error) {
	active := true

	workflows, err := r.workflows.List(ctx, store.ListWorkflowsOptions{Active: &active})
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0)

	for _, workflow := range workflows {
		for _, trigger := range workflow.Triggers {
			if trigger.Kind != models.TriggerKindEvent {
				continue
			}

			if name, _ := trigger.Config["event"].(string); name != eventName {
				continue
			}

			result, err := r.Activate(ctx, protocol.Activation{
				WorkflowID:      workflow.ID,
				TriggerID:       trigger.ID,
				Payload:         payload,
				ExternalEventID: eventID,
			})
			if err != nil {
				r.logger.WarnContext(ctx, "Event activation rejected",
					"workflow_id", workflow.ID, "trigger_id", trigger.ID, "error", err)

				continue
			}

			results = append(results, result)
		}
	}

	return results, nil
}

func firstError(findings []models.ValidationError) models.ValidationError {
	for _, f := range findings {
		if f.Severity == models.SeverityError {
			return f
		}
	}

	return models.ValidationError{}
}

func (r *Registry) matchWebhook(ctx context.Context, path, secret string) (*models.Workflow, *models.Trigger, error) {
	active := true

	workflows, err := r.workflows.List(ctx, store.ListWorkflowsOptions{Active: &active})
	if err != nil {
		return nil, nil, err
	}

	for _, workflow := range workflows {
		for _, trigger := range workflow.Triggers {
			if trigger.Kind != models.TriggerKindWebhook {
				continue
			}

			if triggerPath, _ := trigger.Config["path"].(string); triggerPath != path {
				continue
			}

			expected, _ := trigger.Config["secret"].(string)
			if expected != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
				return nil, nil, fmt.Errorf("%w: %s", ErrSecretMismatch, path)
			}

			return workflow, trigger, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: %s", ErrNoWebhookMatch, path)
}
