package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store"
)

const executionColumns = `
	id
  , workflow_id
  , trigger_id
  , idempotency_key
  , trigger_data
  , status
  , error
  , created_at
  , updated_at
  , started_at
  , ended_at
`

// ExecutionStore persists executions and their node results. Writes to
// one execution are serialized with a SELECT FOR UPDATE on the
// execution row, so the append-only and first-finalize-wins invariants
// hold across engine instances sharing the database.
type ExecutionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionStore(db *sql.DB, logger *slog.Logger) *ExecutionStore {
	return &ExecutionStore{db: db, logger: logger}
}

func (s *ExecutionStore) CreateExecution(ctx context.Context, execution *models.Execution) error {
	now := time.Now().UTC()

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	var errorJSON, triggerDataJSON []byte

	if execution.Error != nil {
		data, err := json.Marshal(execution.Error)
		if err != nil {
			return store.NewExecutionError("Create", execution.ID, err)
		}

		errorJSON = data
	}

	if execution.TriggerData != nil {
		data, err := json.Marshal(execution.TriggerData)
		if err != nil {
			return store.NewExecutionError("Create", execution.ID, err)
		}

		triggerDataJSON = data
	}

	query := `
		INSERT INTO executions (id, workflow_id, trigger_id, idempotency_key, trigger_data, status, error, created_at, updated_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		nullString(execution.TriggerID),
		nullString(execution.IdempotencyKey),
		triggerDataJSON,
		execution.Status,
		errorJSON,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.StartedAt,
		execution.EndedAt,
	)
	if err != nil {
		return store.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := s.scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrExecutionNotFound, id)
		}

		return nil, store.NewExecutionError("Get", id, err)
	}

	results, err := s.loadResults(ctx, id)
	if err != nil {
		return nil, store.NewExecutionError("Get", id, err)
	}

	execution.Results = results

	return execution, nil
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, workflowID string, opts store.ListExecutionsOptions) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := make([]any, 0, 5)

	if workflowID != "" {
		args = append(args, workflowID)
		query += ` AND workflow_id = $` + strconv.Itoa(len(args))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}

	query += ` ORDER BY created_at DESC`

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	return s.queryExecutions(ctx, query, args...)
}

func (s *ExecutionStore) MarkWaiting(ctx context.Context, id string) error {
	return s.withExecutionLock(ctx, "MarkWaiting", id, func(tx *sql.Tx, status models.ExecutionStatus) error {
		// Only a queued execution can become waiting; a run that already
		// started (or finished) keeps its status.
		if status != models.ExecutionStatusQueued {
			return nil
		}

		query := `UPDATE executions SET status = $2, updated_at = $3 WHERE id = $1`

		_, err := tx.ExecContext(ctx, query, id, models.ExecutionStatusWaiting, time.Now().UTC())

		return err
	})
}

func (s *ExecutionStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	return s.withExecutionLock(ctx, "MarkRunning", id, func(tx *sql.Tx, status models.ExecutionStatus) error {
		if status.Terminal() {
			return store.ErrExecutionFinalized
		}

		query := `UPDATE executions SET status = $2, started_at = $3, updated_at = $4 WHERE id = $1`

		_, err := tx.ExecContext(ctx, query, id, models.ExecutionStatusRunning, startedAt, time.Now().UTC())

		return err
	})
}

func (s *ExecutionStore) AppendResult(ctx context.Context, id string, result *models.NodeResult) error {
	return s.withExecutionLock(ctx, "AppendResult", id, func(tx *sql.Tx, status models.ExecutionStatus) error {
		if status.Terminal() {
			return store.ErrExecutionFinalized
		}

		var outputJSON []byte

		if result.Output != nil {
			data, err := json.Marshal(result.Output)
			if err != nil {
				return err
			}

			outputJSON = data
		}

		insert := `
			INSERT INTO node_results (execution_id, node_id, status, attempts, started_at, ended_at, output, error, error_kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`

		_, err := tx.ExecContext(ctx, insert,
			id,
			result.NodeID,
			result.Status,
			result.Attempts,
			result.StartedAt,
			result.EndedAt,
			outputJSON,
			nullString(result.Error),
			nullString(string(result.ErrorKind)),
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE executions SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())

		return err
	})
}

func (s *ExecutionStore) Finalize(ctx context.Context, id string, status models.ExecutionStatus, execErr *models.ExecutionError) error {
	if !status.Terminal() {
		return store.NewExecutionError("Finalize", id, store.ErrNotTerminalStatus)
	}

	return s.withExecutionLock(ctx, "Finalize", id, func(tx *sql.Tx, current models.ExecutionStatus) error {
		// The first finalize wins; duplicate completion signals from
		// concurrent branches are no-ops.
		if current.Terminal() {
			return nil
		}

		var errorJSON []byte

		if execErr != nil {
			data, err := json.Marshal(execErr)
			if err != nil {
				return err
			}

			errorJSON = data
		}

		now := time.Now().UTC()

		query := `
			UPDATE executions
			SET status = $2,
				error = $3,
				ended_at = $4,
				updated_at = $4,
				started_at = COALESCE(started_at, created_at)
			WHERE id = $1
		`

		_, err := tx.ExecContext(ctx, query, id, status, errorJSON, now)

		return err
	})
}

func (s *ExecutionStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status = $1 AND updated_at < $2`

	return s.queryExecutions(ctx, query, models.ExecutionStatusRunning, cutoff)
}

// withExecutionLock runs fn inside a transaction holding the row lock
// for one execution, handing it the status read under the lock.
func (s *ExecutionStore) withExecutionLock(ctx context.Context, op, id string, fn func(tx *sql.Tx, status models.ExecutionStatus) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewExecutionError(op, id, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var status models.ExecutionStatus

	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrExecutionNotFound, id)
		}

		return store.NewExecutionError(op, id, err)
	}

	err = fn(tx, status)
	if err != nil {
		return store.NewExecutionError(op, id, err)
	}

	err = tx.Commit()
	if err != nil {
		return store.NewExecutionError(op, id, err)
	}

	return nil
}

func (s *ExecutionStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := s.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (s *ExecutionStore) loadResults(ctx context.Context, id string) ([]*models.NodeResult, error) {
	query := `
		SELECT node_id, status, attempts, started_at, ended_at, output, error, error_kind
		FROM node_results
		WHERE execution_id = $1
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query node results: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var results []*models.NodeResult

	for rows.Next() {
		var (
			result              models.NodeResult
			outputJSON          []byte
			errMessage, errKind sql.NullString
		)

		err := rows.Scan(
			&result.NodeID,
			&result.Status,
			&result.Attempts,
			&result.StartedAt,
			&result.EndedAt,
			&outputJSON,
			&errMessage,
			&errKind,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}

		if outputJSON != nil {
			err := json.Unmarshal(outputJSON, &result.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal node output: %w", err)
			}
		}

		result.Error = errMessage.String
		result.ErrorKind = models.ErrorKind(errKind.String)

		results = append(results, &result)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return results, nil
}

func (s *ExecutionStore) scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.Execution, error) {
	var (
		execution                  models.Execution
		triggerID, idemKey         sql.NullString
		errorJSON, triggerDataJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&triggerID,
		&idemKey,
		&triggerDataJSON,
		&execution.Status,
		&errorJSON,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.StartedAt,
		&execution.EndedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.TriggerID = triggerID.String
	execution.IdempotencyKey = idemKey.String

	if errorJSON != nil {
		err := json.Unmarshal(errorJSON, &execution.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution error: %w", err)
		}
	}

	if triggerDataJSON != nil {
		err := json.Unmarshal(triggerDataJSON, &execution.TriggerData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}

	return &execution, nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
