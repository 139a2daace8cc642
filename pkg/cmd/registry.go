// Package cmd provides common initialization for the command-line
// binaries: store dispatch, event bus selection, dedup backend and the
// built-in handler registry.
package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/handlers"
	"github.com/voxline/voxline/pkg/registry"
)

func NewHandlerRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	handlers.RegisterDefaults(reg)

	return reg
}

// NewDeduper picks the trigger dedup backend. An empty Redis address
// means a single-process deployment, where in-memory dedup suffices.
func NewDeduper(ctx context.Context, redisAddr, redisPassword string, window time.Duration) (activation.Deduper, error) {
	if redisAddr == "" {
		return activation.NewMemoryDeduper(window), nil
	}

	return activation.NewRedisDeduper(ctx, redisAddr, redisPassword, 0, window)
}
