// Package executor dispatches single workflow nodes: it resolves the
// node's handler, validates and renders parameters, enforces the node
// deadline and retries transient failures with exponential backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/registry"
	"github.com/voxline/voxline/pkg/template"
)

const (
	// DefaultNodeTimeout applies when neither the workflow settings nor
	// the node's timeout parameter set a deadline.
	DefaultNodeTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds retries of retryable handler failures.
	DefaultMaxAttempts = 3

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Executor resolves and invokes action handlers for scheduled nodes.
type Executor struct {
	registry       *registry.Registry
	logger         *slog.Logger
	backoffInitial time.Duration
}

func NewExecutor(reg *registry.Registry, logger *slog.Logger) *Executor {
	return &Executor{
		registry:       reg,
		logger:         logger.With("module", "executor"),
		backoffInitial: initialBackoff,
	}
}

// Execute runs one node against the execution context and returns its
// result; it never returns an error because every failure mode is a
// recorded outcome. The context carries execution-level cancellation;
// the per-node deadline is layered per attempt on top of it.
func (e *Executor) Execute(ctx context.Context, node *models.Node, executionCtx *models.ExecutionContext, settings models.Settings) *models.NodeResult {
	started := time.Now().UTC()
	result := &models.NodeResult{
		NodeID:    node.ID,
		Status:    models.NodeStatusRunning,
		StartedAt: &started,
	}

	logger := e.logger.With(
		"execution_id", executionCtx.ID,
		"node_id", node.ID,
		"handler", node.Handler,
	)

	factory, err := e.registry.Resolve(node.Handler)
	if err != nil {
		// Unresolved handlers fail immediately, nothing is invoked.
		return finish(result, models.ErrorKindHandlerNotFound, err)
	}

	params, err := template.RenderParameters(node.Parameters, executionCtx)
	if err != nil {
		return finish(result, models.ErrorKindBadParameters, err)
	}

	timeout := nodeTimeout(params, settings)
	params = stripReserved(params)

	// Validation runs on the rendered parameters so interpolated values
	// are checked against the handler's declared shape before dispatch.
	// Reserved engine parameters are consumed above and stripped first:
	// they belong to the executor, not to the handler's schema.
	if err := e.registry.ValidateParameters(node.Handler, params); err != nil {
		return finish(result, models.ErrorKindBadParameters, err)
	}

	handler, err := factory.Create()
	if err != nil {
		return finish(result, models.ErrorKindHandler, err)
	}

	maxAttempts := settings.MaxAttempts

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var output map[string]any

	attempts := 0

	operation := func() error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, retryable, handleErr := handler.Handle(attemptCtx, params, executionCtx, logger)
		if handleErr == nil {
			output = out

			return nil
		}

		// The node deadline and execution cancellation are terminal,
		// regardless of what the handler reports.
		if ctxErr := attemptCtx.Err(); ctxErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ctxErr, handleErr))
		}

		if !retryable {
			return backoff.Permanent(handleErr)
		}

		logger.WarnContext(ctx, "Retryable handler failure",
			"attempt", attempts, "error", handleErr)

		return handleErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.backoffInitial
	policy.MaxInterval = maxBackoff

	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx))

	result.Attempts = attempts

	if err != nil {
		return finish(result, classify(err), err)
	}

	result.Status = models.NodeStatusSuccess
	result.Output = output
	ended := time.Now().UTC()
	result.EndedAt = &ended

	logger.InfoContext(ctx, "Node completed", "attempts", attempts,
		"duration", ended.Sub(started))

	return result
}

// stripReserved returns params without the engine-owned keys, so
// handlers with closed schemas never see them.
func stripReserved(params map[string]any) map[string]any {
	if _, ok := params[models.ParamTimeout]; !ok {
		return params
	}

	stripped := make(map[string]any, len(params))

	for key, value := range params {
		if key == models.ParamTimeout {
			continue
		}

		stripped[key] = value
	}

	return stripped
}

// nodeTimeout resolves the handler deadline: the node's own timeout
// parameter (seconds) wins over the workflow default.
func nodeTimeout(params map[string]any, settings models.Settings) time.Duration {
	if raw, ok := params[models.ParamTimeout]; ok {
		switch v := raw.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		}
	}

	if settings.NodeTimeout > 0 {
		return settings.NodeTimeout
	}

	return DefaultNodeTimeout
}

func classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	default:
		return models.ErrorKindHandler
	}
}

func finish(result *models.NodeResult, kind models.ErrorKind, err error) *models.NodeResult {
	ended := time.Now().UTC()
	result.EndedAt = &ended
	result.Status = models.NodeStatusError
	result.ErrorKind = kind
	result.Error = fmt.Sprintf("%v", err)

	return result
}
