// Package engine runs executions: one logical task per execution,
// branch-concurrent node dispatch inside it, per-workflow concurrency
// caps with queue or reject overflow, cancellation, and the orphan
// recovery sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/executor"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store"
)

var (
	// ErrExecutionNotQueued indicates Run was asked to start an
	// execution that is not in the queued status.
	ErrExecutionNotQueued = errors.New("execution is not queued")

	// ErrNotRunning indicates a cancel request for an execution this
	// engine instance is not running.
	ErrNotRunning = errors.New("execution is not running on this engine")

	// ErrConcurrencyRejected indicates the workflow's concurrency cap
	// was hit and its overflow policy rejects excess activations.
	ErrConcurrencyRejected = errors.New("workflow concurrency limit reached")

	// ErrShuttingDown indicates the engine stopped admitting new
	// executions because Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

const (
	defaultMaxConcurrentRuns = 10
	defaultStallTimeout      = 10 * time.Minute
)

// Options tunes engine-wide defaults; workflow settings override the
// concurrency cap per workflow.
type Options struct {
	// MaxConcurrentRuns is the per-workflow cap applied when a
	// workflow does not set its own.
	MaxConcurrentRuns int

	// StallTimeout is how long a running execution may go without a
	// store write before the recovery sweep treats it as orphaned.
	StallTimeout time.Duration
}

// Engine coordinates execution runs. Each accepted execution gets its
// own goroutine; the engine only tracks admission state (per-workflow
// running counts, overflow queues) and cancellation handles.
type Engine struct {
	workflows  store.WorkflowRepository
	executions store.ExecutionStore
	executor   *executor.Executor
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger
	opts       Options

	mu       sync.Mutex
	running  map[string]int                // workflow id -> active runs
	waiting  map[string][]string           // workflow id -> queued execution ids
	cancels  map[string]context.CancelFunc // execution id -> cancel
	draining bool                          // set once Shutdown begins

	wg sync.WaitGroup
}

func NewEngine(
	workflows store.WorkflowRepository,
	executions store.ExecutionStore,
	exec *executor.Executor,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}

	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("voxline-engine")
	}

	return &Engine{
		workflows:  workflows,
		executions: executions,
		executor:   exec,
		publisher:  publisher,
		tracer:     tracer,
		logger:     logger.With("module", "engine"),
		opts:       opts,
		running:    make(map[string]int),
		waiting:    make(map[string][]string),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run admits a queued execution. Within the workflow's concurrency cap
// the run starts immediately on its own goroutine; beyond it, the
// overflow policy decides between holding the execution queued and
// rejecting it outright (finalized as error without running a node).
// ctx governs the whole run, not just this call.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusQueued {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotQueued, executionID, execution.Status)
	}

	workflow, err := e.workflows.GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return err
	}

	limit := workflow.Settings.MaxConcurrentRuns
	if limit <= 0 {
		limit = e.opts.MaxConcurrentRuns
	}

	e.mu.Lock()

	if e.draining {
		e.mu.Unlock()

		return fmt.Errorf("%w: refusing execution %s", ErrShuttingDown, executionID)
	}

	if e.running[workflow.ID] >= limit {
		if workflow.Settings.OverflowPolicy == models.OverflowReject {
			e.mu.Unlock()

			finalizeErr := e.finalize(ctx, workflow.ID, executionID, models.ExecutionStatusError, &models.ExecutionError{
				Kind:    models.ErrorKindCancelled,
				Message: "rejected: workflow concurrency limit reached",
			})
			if finalizeErr != nil {
				return finalizeErr
			}

			return fmt.Errorf("%w: workflow %s", ErrConcurrencyRejected, workflow.ID)
		}

		// Held until a slot frees up. The record carries the waiting
		// status so callers can tell a cap-held execution apart from one
		// no engine has picked up yet.
		e.waiting[workflow.ID] = append(e.waiting[workflow.ID], executionID)
		e.mu.Unlock()

		if err := e.executions.MarkWaiting(ctx, executionID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark execution waiting",
				"workflow_id", workflow.ID, "execution_id", executionID, "error", err)
		}

		e.logger.InfoContext(ctx, "Execution held at concurrency limit",
			"workflow_id", workflow.ID, "execution_id", executionID, "limit", limit)

		return nil
	}

	e.running[workflow.ID]++
	e.spawnLocked(ctx, workflow, execution)
	e.mu.Unlock()

	return nil
}

// spawnLocked starts the run goroutine. Callers hold e.mu.
func (e *Engine) spawnLocked(ctx context.Context, workflow *models.Workflow, execution *models.Execution) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancels[execution.ID] = cancel

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel()

		e.runExecution(runCtx, workflow, execution)
		e.release(ctx, workflow.ID, execution.ID)
	}()
}

// release frees the slot held by a finished run and starts the next
// waiting execution of the same workflow, if any.
func (e *Engine) release(ctx context.Context, workflowID, executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cancels, executionID)
	e.running[workflowID]--

	queue := e.waiting[workflowID]
	if len(queue) == 0 {
		return
	}

	nextID := queue[0]
	e.waiting[workflowID] = queue[1:]

	next, err := e.executions.GetExecution(ctx, nextID)
	if err != nil || next.Status.Terminal() {
		// Finalized while waiting (e.g. cancelled); drop it.
		return
	}

	workflow, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load workflow for waiting execution",
			"workflow_id", workflowID, "execution_id", nextID, "error", err)

		return
	}

	e.running[workflowID]++
	e.spawnLocked(ctx, workflow, next)
}

// Cancel stops an execution owned by this engine. In-flight handlers
// finish, no new nodes are scheduled, and the execution finalizes as
// error with kind Cancelled. A waiting (still queued) execution is
// finalized directly without ever starting.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()

	if cancel, ok := e.cancels[executionID]; ok {
		e.mu.Unlock()
		cancel()

		return nil
	}

	for workflowID, queue := range e.waiting {
		for i, id := range queue {
			if id != executionID {
				continue
			}

			e.waiting[workflowID] = append(queue[:i], queue[i+1:]...)
			e.mu.Unlock()

			return e.finalize(ctx, workflowID, executionID, models.ExecutionStatusError, &models.ExecutionError{
				Kind:    models.ErrorKindCancelled,
				Message: "execution cancelled before starting",
			})
		}
	}

	e.mu.Unlock()

	return fmt.Errorf("%w: %s", ErrNotRunning, executionID)
}

// Shutdown stops admission and waits for all in-flight runs to
// complete. Once it begins, Run returns ErrShuttingDown. Pair it with
// cancelling the context passed to Run for a bounded stop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
