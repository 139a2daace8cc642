// Package store defines the durable storage contracts of the engine
// core: the workflow repository and the append-only execution record
// store. Everything else the platform persists lives outside this core.
package store

import (
	"context"
	"time"

	"github.com/voxline/voxline/pkg/models"
)

// ListWorkflowsOptions filters and pages workflow listings.
type ListWorkflowsOptions struct {
	Active *bool
	Tag    string
	Limit  int
	Offset int
}

// ListExecutionsOptions filters and pages execution listings.
type ListExecutionsOptions struct {
	Status *models.ExecutionStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// WorkflowRepository persists workflow definitions.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context, opts ListWorkflowsOptions) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// ExecutionStore is the append-only log of executions and per-node
// results. Writes for one execution are serialized by the
// implementation (one writer lock per execution, not global), and
// Finalize is the only transition into a terminal status: finalizing an
// already-terminal execution is a no-op, so duplicate completion
// signals from concurrent branches are harmless.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, workflowID string, opts ListExecutionsOptions) ([]*models.Execution, error)

	// MarkWaiting transitions a queued execution to waiting, recording
	// that an engine holds it at the workflow's concurrency cap.
	MarkWaiting(ctx context.Context, id string) error

	// MarkRunning transitions a queued or waiting execution to running.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error

	// AppendResult appends one node result to a running execution.
	AppendResult(ctx context.Context, id string, result *models.NodeResult) error

	// Finalize moves an execution into success or error. Idempotent.
	Finalize(ctx context.Context, id string, status models.ExecutionStatus, execErr *models.ExecutionError) error

	// ListStalled returns running executions without a write since the
	// cutoff; the recovery sweep finalizes them as orphaned.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*models.Execution, error)
}

// Store bundles the repositories behind one backend.
type Store interface {
	Workflows() WorkflowRepository
	Executions() ExecutionStore
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
