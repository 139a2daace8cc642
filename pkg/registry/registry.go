// Package registry maps handler keys to their factories and enforces
// each handler's declared parameter schema before dispatch.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/voxline/voxline/pkg/protocol"
)

// ErrHandlerNotFound is returned when a node references a handler key
// no factory was registered for.
var ErrHandlerNotFound = errors.New("handler not registered")

// ErrInvalidParameters is returned when node parameters do not satisfy
// the handler's declared schema.
var ErrInvalidParameters = errors.New("invalid handler parameters")

// RegisteredHandler describes one handler kind for API consumers.
type RegisteredHandler struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.HandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "registry"),
		factories: make(map[string]protocol.HandlerFactory),
	}
}

// Register adds a handler factory, replacing any previous registration
// for the same key.
func (r *Registry) Register(factory protocol.HandlerFactory) {
	r.factories[factory.ID()] = factory
}

// Resolve looks up a factory without instantiating a handler.
func (r *Registry) Resolve(handlerKey string) (protocol.HandlerFactory, error) {
	factory, ok := r.factories[handlerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerKey)
	}

	return factory, nil
}

// CreateHandler instantiates the handler registered for the key.
func (r *Registry) CreateHandler(handlerKey string) (protocol.Handler, error) {
	factory, err := r.Resolve(handlerKey)
	if err != nil {
		return nil, err
	}

	return factory.Create()
}

// ValidateParameters checks node parameters against the handler's
// declared JSON schema. A factory with a nil schema accepts anything.
func (r *Registry) ValidateParameters(handlerKey string, params map[string]any) error {
	factory, err := r.Resolve(handlerKey)
	if err != nil {
		return err
	}

	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate parameters for %q: %w", handlerKey, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w for %q: %s", ErrInvalidParameters, handlerKey, strings.Join(details, "; "))
	}

	return nil
}

// Handlers lists the registered handler kinds, sorted by id.
func (r *Registry) Handlers() []RegisteredHandler {
	handlers := make([]RegisteredHandler, 0, len(r.factories))

	for _, factory := range r.factories {
		handlers = append(handlers, RegisteredHandler{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].ID < handlers[j].ID })

	return handlers
}

// HealthCheck reports whether the registry is usable.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.factories) == 0 {
		return "no handlers registered", false
	}

	return fmt.Sprintf("%d handlers registered", len(r.factories)), true
}
