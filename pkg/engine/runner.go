package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/otelhelper"
	"github.com/voxline/voxline/pkg/scheduler"
)

// runExecution drives one execution from running to a terminal status.
// The plan and the execution context are owned by this goroutine; node
// handlers run on branch goroutines but their results funnel back here,
// so context merges and edge decisions need no locking.
func (e *Engine) runExecution(ctx context.Context, workflow *models.Workflow, execution *models.Execution) {
	logger := e.logger.With("workflow_id", workflow.ID, "execution_id", execution.ID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
	)
	defer span.End()

	trigger := workflow.TriggerByID(execution.TriggerID)
	if trigger == nil {
		e.fail(ctx, span, workflow.ID, execution.ID, &models.ExecutionError{
			Kind:    models.ErrorKindBadParameters,
			Message: "trigger " + execution.TriggerID + " no longer exists in workflow",
		})

		return
	}

	plan, err := scheduler.New(workflow, trigger.NodeID, logger)
	if err != nil {
		e.fail(ctx, span, workflow.ID, execution.ID, &models.ExecutionError{
			Kind:    models.ErrorKindBadParameters,
			Message: "cannot schedule workflow: " + err.Error(),
		})

		return
	}

	startedAt := time.Now().UTC()

	err = e.executions.MarkRunning(ctx, execution.ID, startedAt)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to mark execution running", "error", err)

		return
	}

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID),
		ExecutionID: execution.ID,
	})
	logger.InfoContext(ctx, "Execution started", "nodes", plan.Size())

	executionCtx := models.NewExecutionContext(execution.ID, workflow.ID, workflow.VariableDefaults(), execution.TriggerData)
	cancelled, resolved := e.dispatch(ctx, workflow, execution, plan, executionCtx, logger)

	switch {
	case cancelled:
		e.fail(ctx, span, workflow.ID, execution.ID, &models.ExecutionError{
			Kind:    models.ErrorKindCancelled,
			Message: "execution cancelled",
		})
	case len(plan.DeadEnds()) > 0:
		e.fail(ctx, span, workflow.ID, execution.ID, deadEndError(plan, resolved))
	default:
		_ = e.finalize(ctx, workflow.ID, execution.ID, models.ExecutionStatusSuccess, nil)
	}
}

// fail finalizes the execution as errored and records the failure on
// the run span.
func (e *Engine) fail(ctx context.Context, span trace.Span, workflowID, executionID string, execErr *models.ExecutionError) {
	otelhelper.SetError(span, errors.New(execErr.Message),
		attribute.String("error.kind", string(execErr.Kind)))

	_ = e.finalize(ctx, workflowID, executionID, models.ExecutionStatusError, execErr)
}

// dispatch is the scheduling loop: ask the plan for ready nodes, fan
// them out to branch goroutines, and fold results back in completion
// order. On cancellation scheduling stops but in-flight handlers are
// always drained. Returns whether the run was cancelled and every
// resolved result keyed by node id.
func (e *Engine) dispatch(
	ctx context.Context,
	workflow *models.Workflow,
	execution *models.Execution,
	plan *scheduler.Plan,
	executionCtx *models.ExecutionContext,
	logger *slog.Logger,
) (bool, map[string]*models.NodeResult) {
	results := make(chan *models.NodeResult)
	resolved := make(map[string]*models.NodeResult, plan.Size())
	inflight := 0
	cancelled := false

	for {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
			default:
			}
		}

		if !cancelled {
			ready, skipped := plan.NextReady()

			for _, nodeID := range skipped {
				result := &models.NodeResult{
					NodeID: nodeID,
					Status: models.NodeStatusSkipped,
				}
				resolved[nodeID] = result
				e.recordResult(ctx, workflow, execution, result)
			}

			for _, nodeID := range ready {
				node := plan.Node(nodeID)
				inflight++

				go func() {
					results <- e.executor.Execute(ctx, node, executionCtx, workflow.Settings)
				}()
			}
		}

		if inflight == 0 {
			if !cancelled && !plan.Exhausted() {
				// No ready nodes, nothing in flight, nodes left: the
				// plan cannot make progress. Validation should make
				// this unreachable; bail out rather than spin.
				logger.WarnContext(ctx, "Scheduling stalled with unresolved nodes")
			}

			return cancelled, resolved
		}

		result := <-results
		inflight--

		executionCtx.MergeResult(result)
		plan.MarkResolved(result, executionCtx)
		resolved[result.NodeID] = result
		e.recordResult(ctx, workflow, execution, result)
	}
}

// recordResult appends one node result and publishes its completion
// event. Append failures are logged, not fatal: losing one record is
// preferable to abandoning the run with handlers mid-flight.
func (e *Engine) recordResult(ctx context.Context, workflow *models.Workflow, execution *models.Execution, result *models.NodeResult) {
	err := e.executions.AppendResult(ctx, execution.ID, result)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to append node result",
			"execution_id", execution.ID, "node_id", result.NodeID, "error", err)
	}

	var durationMs int64
	if result.StartedAt != nil && result.EndedAt != nil {
		durationMs = result.EndedAt.Sub(*result.StartedAt).Milliseconds()
	}

	e.publish(ctx, execution.ID, events.NodeCompleted{
		BaseEvent:   events.NewBaseEvent(events.NodeCompletedEvent, workflow.ID),
		ExecutionID: execution.ID,
		NodeID:      result.NodeID,
		Status:      result.Status,
		Attempts:    result.Attempts,
		DurationMs:  durationMs,
		Error:       result.Error,
	})
}

// finalize moves the execution into a terminal status and publishes
// the finish event. The store makes finalize idempotent, so a race
// with the recovery sweep or a duplicate branch signal is harmless.
func (e *Engine) finalize(ctx context.Context, workflowID, executionID string, status models.ExecutionStatus, execErr *models.ExecutionError) error {
	err := e.executions.Finalize(ctx, executionID, status, execErr)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to finalize execution",
			"execution_id", executionID, "status", status, "error", err)

		return err
	}

	finalized, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to reload finalized execution",
			"execution_id", executionID, "error", err)

		return err
	}

	e.publish(ctx, executionID, events.ExecutionFinished{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFinishedEvent, workflowID),
		ExecutionID: executionID,
		Status:      finalized.Status,
		Duration:    finalized.Duration(),
		Error:       finalized.Error,
	})

	e.logger.InfoContext(ctx, "Execution finished",
		"workflow_id", workflowID,
		"execution_id", executionID,
		"status", finalized.Status,
		"duration", finalized.Duration())

	return nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}

// deadEndError builds the terminal error from the first failed node
// with no error route out of it, carrying that node's own error kind.
func deadEndError(plan *scheduler.Plan, resolved map[string]*models.NodeResult) *models.ExecutionError {
	nodeID := plan.DeadEnds()[0]

	kind := models.ErrorKindHandler
	message := "node " + nodeID + " failed with no error route"

	if result := resolved[nodeID]; result != nil {
		if result.ErrorKind != "" {
			kind = result.ErrorKind
		}

		if result.Error != "" {
			message += ": " + result.Error
		}
	}

	return &models.ExecutionError{Kind: kind, Message: message}
}
