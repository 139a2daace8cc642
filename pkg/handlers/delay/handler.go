// Package delay implements the delay node handler, pausing a branch
// for a fixed interval. The pause honors execution cancellation and
// the node deadline through the handler context.
package delay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
)

const HandlerKey = "delay"

// ErrMissingDuration is returned when neither duration nor seconds is set.
var ErrMissingDuration = errors.New("missing 'duration' or 'seconds' parameter")

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return HandlerKey
}

func (f *Factory) Name() string {
	return "Delay"
}

func (f *Factory) Description() string {
	return "Pauses the branch for a fixed interval before continuing."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{
				"type":        "string",
				"description": "Interval in Go duration syntax, e.g. \"1500ms\" or \"2s\".",
				"examples":    []string{"500ms", "2s", "1m"},
			},
			"seconds": map[string]any{
				"type":        "number",
				"description": "Interval in seconds; duration takes precedence when both are set.",
				"minimum":     0,
			},
		},
		"additionalProperties": false,
	}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return &Handler{}, nil
}

type Handler struct{}

func (h *Handler) Handle(ctx context.Context, params map[string]any, _ *models.ExecutionContext, logger *slog.Logger) (map[string]any, bool, error) {
	interval, err := parseInterval(params)
	if err != nil {
		return nil, false, err
	}

	logger.DebugContext(ctx, "Delaying branch", "interval", interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"waited": interval.String()}, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func parseInterval(params map[string]any) (time.Duration, error) {
	if raw, ok := params["duration"].(string); ok && raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid 'duration' parameter: %w", err)
		}

		return interval, nil
	}

	switch seconds := params["seconds"].(type) {
	case float64:
		return time.Duration(seconds * float64(time.Second)), nil
	case int:
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, ErrMissingDuration
}
