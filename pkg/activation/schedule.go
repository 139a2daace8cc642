package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
	"github.com/voxline/voxline/pkg/store"
)

// ScheduleSource runs the cron entries behind schedule triggers. Each
// firing carries the scheduled minute as its external event id, so
// several engine instances running the same ticker collapse to one
// execution through duplicate suppression.
type ScheduleSource struct {
	workflows store.WorkflowRepository
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewScheduleSource(workflows store.WorkflowRepository, logger *slog.Logger) *ScheduleSource {
	return &ScheduleSource{
		workflows: workflows,
		logger:    logger.With("module", "schedule_source"),
	}
}

// Start registers a cron entry for every schedule trigger of every
// active workflow and begins ticking. Triggers with an invalid cron
// expression are skipped with an error log; they cannot fail the rest.
func (s *ScheduleSource) Start(ctx context.Context, callback protocol.ActivationCallback) error {
	active := true

	workflows, err := s.workflows.List(ctx, store.ListWorkflowsOptions{Active: &active})
	if err != nil {
		return fmt.Errorf("failed to load workflows for scheduling: %w", err)
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	registered := 0

	for _, workflow := range workflows {
		for _, trigger := range workflow.Triggers {
			if trigger.Kind != models.TriggerKindSchedule {
				continue
			}

			expr, _ := trigger.Config["cron"].(string)
			if expr == "" {
				s.logger.ErrorContext(ctx, "Schedule trigger without cron expression",
					"workflow_id", workflow.ID, "trigger_id", trigger.ID)

				continue
			}

			_, err := s.cron.AddFunc(expr, s.fire(ctx, callback, workflow.ID, trigger.ID, expr))
			if err != nil {
				s.logger.ErrorContext(ctx, "Invalid cron expression",
					"workflow_id", workflow.ID, "trigger_id", trigger.ID, "cron", expr, "error", err)

				continue
			}

			registered++
		}
	}

	s.logger.InfoContext(ctx, "Schedule source started", "entries", registered)
	s.cron.Start()

	return nil
}

func (s *ScheduleSource) fire(ctx context.Context, callback protocol.ActivationCallback, workflowID, triggerID, expr string) func() {
	return func() {
		firedAt := time.Now().UTC().Truncate(time.Minute)

		err := callback(ctx, protocol.Activation{
			WorkflowID: workflowID,
			TriggerID:  triggerID,
			Payload: map[string]any{
				"fired_at": firedAt.Format(time.RFC3339),
				"cron":     expr,
			},
			ExternalEventID: firedAt.Format(time.RFC3339),
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "Schedule activation failed",
				"workflow_id", workflowID, "trigger_id", triggerID, "error", err)
		}
	}
}

// Stop halts the ticker and waits for in-flight firings to return.
func (s *ScheduleSource) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Schedule source stopped")

	return nil
}
