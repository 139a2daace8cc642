// Package protocol defines the contracts between the engine core and
// the pluggable pieces supplied by the hosting application: action
// handlers and activation sources.
package protocol

import (
	"context"
	"log/slog"

	"github.com/voxline/voxline/pkg/models"
)

// Handler executes one node kind. Concrete provider integrations
// (http-request, email, openai, vapi-assistant, ...) implement this
// interface; the engine never depends on provider SDKs directly.
//
// The returned output is merged into the execution context under the
// node id. retryable marks transient failures the executor may retry
// with backoff; permanent failures must return retryable == false.
// Handlers are expected to honor ctx cancellation: the executor
// enforces the node deadline through it.
type Handler interface {
	Handle(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext, logger *slog.Logger) (output map[string]any, retryable bool, err error)
}

// HandlerFactory creates handler instances and describes the parameter
// shape a node of this kind must carry. The schema is enforced by the
// node executor before dispatch, so handlers never see malformed
// parameters.
type HandlerFactory interface {
	// ID returns the handler key nodes reference, e.g. "http-request".
	ID() string

	// Name returns the human-readable handler name.
	Name() string

	// Description returns a short description of what the handler does.
	Description() string

	// Schema returns the JSON Schema for this handler's parameters.
	Schema() map[string]any

	// Create builds a handler instance.
	Create() (Handler, error)
}
