package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxline/voxline/pkg/store"
	"github.com/voxline/voxline/pkg/store/file"
	"github.com/voxline/voxline/pkg/store/postgres"
)

// NewStore dispatches on the URL scheme: postgres:// opens the
// relational store and runs pending migrations, file:// (or a bare
// path) opens the JSON directory store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		s, err := postgres.NewStore(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}

		return s, nil
	case strings.HasPrefix(databaseURL, "file://"):
		return file.NewStore(strings.TrimPrefix(databaseURL, "file://")), nil
	default:
		return file.NewStore(databaseURL), nil
	}
}
