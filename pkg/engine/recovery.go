package engine

import (
	"context"
	"time"

	"github.com/voxline/voxline/pkg/models"
)

// RecoverOrphans finalizes executions left running by a crashed engine
// instance. An execution counts as orphaned when it has recorded no
// write for at least the configured stall timeout and is not owned by
// this engine. Returns the ids it finalized.
//
// Run it periodically; finalize is idempotent, so two instances
// sweeping the same execution race harmlessly.
func (e *Engine) RecoverOrphans(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-e.opts.StallTimeout)

	stalled, err := e.executions.ListStalled(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var recovered []string

	for _, execution := range stalled {
		if e.owns(execution.ID) {
			continue
		}

		err := e.finalize(ctx, execution.WorkflowID, execution.ID, models.ExecutionStatusError, &models.ExecutionError{
			Kind:    models.ErrorKindOrphaned,
			Message: "abandoned by its engine: no progress recorded since " + execution.UpdatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to recover orphaned execution",
				"execution_id", execution.ID, "error", err)

			continue
		}

		recovered = append(recovered, execution.ID)
	}

	if len(recovered) > 0 {
		e.logger.InfoContext(ctx, "Recovered orphaned executions", "count", len(recovered))
	}

	return recovered, nil
}

// owns reports whether this engine instance currently runs the
// execution. A slow but alive local run must not be swept.
func (e *Engine) owns(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.cancels[executionID]

	return ok
}
