// Package postgres provides the PostgreSQL-backed store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the pq driver for sql.Open("postgres", ...).
	_ "github.com/lib/pq"

	"github.com/voxline/voxline/pkg/store"
	"github.com/voxline/voxline/pkg/store/sqlbase"
)

// Store implements store.Store on top of PostgreSQL. Execution writes
// rely on row-level locks instead of in-process mutexes, so multiple
// engine instances can share one database.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	workflows  *WorkflowRepository
	executions *ExecutionStore
}

// NewStore opens a connection pool against databaseURL and brings the
// schema up to date before returning.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:         database,
		logger:     logger,
		workflows:  NewWorkflowRepository(database, logger),
		executions: NewExecutionStore(database, logger),
	}, nil
}

func (s *Store) Workflows() store.WorkflowRepository {
	return s.workflows
}

func (s *Store) Executions() store.ExecutionStore {
	return s.executions
}

// HealthCheck verifies the database connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the connection pool.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
