package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store"
)

// ExecutionStore persists execution records as JSON files under
// {root}/executions. Writes are serialized per execution id, not
// globally, preserving the append-only invariant under concurrent
// branches without contending across executions.
type ExecutionStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewExecutionStore(root string) *ExecutionStore {
	return &ExecutionStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *ExecutionStore) dir() string {
	return path.Join(s.root, "executions")
}

func (s *ExecutionStore) filePath(id string) string {
	return path.Join(s.dir(), id+".json")
}

// lockFor returns the writer lock for one execution id.
func (s *ExecutionStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}

	return lock
}

func (s *ExecutionStore) CreateExecution(_ context.Context, execution *models.Execution) error {
	lock := s.lockFor(execution.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir(), dirPerm); err != nil {
		return store.NewExecutionError("Create", execution.ID, err)
	}

	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	return s.write(execution)
}

func (s *ExecutionStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	return s.read(id)
}

func (s *ExecutionStore) ListExecutions(_ context.Context, workflowID string, opts store.ListExecutionsOptions) ([]*models.Execution, error) {
	executions, err := s.readAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Execution, 0, len(executions))

	for _, execution := range executions {
		if workflowID != "" && execution.WorkflowID != workflowID {
			continue
		}

		if opts.Status != nil && execution.Status != *opts.Status {
			continue
		}

		if opts.Since != nil && execution.CreatedAt.Before(*opts.Since) {
			continue
		}

		filtered = append(filtered, execution)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	return page(filtered, opts.Offset, opts.Limit), nil
}

func (s *ExecutionStore) MarkWaiting(_ context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := s.read(id)
	if err != nil {
		return err
	}

	// Only a queued execution can become waiting; a run that already
	// started (or finished) keeps its status.
	if execution.Status != models.ExecutionStatusQueued {
		return nil
	}

	execution.Status = models.ExecutionStatusWaiting
	execution.UpdatedAt = time.Now().UTC()

	return s.write(execution)
}

func (s *ExecutionStore) MarkRunning(_ context.Context, id string, startedAt time.Time) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := s.read(id)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return store.NewExecutionError("MarkRunning", id, store.ErrExecutionFinalized)
	}

	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &startedAt
	execution.UpdatedAt = time.Now().UTC()

	return s.write(execution)
}

func (s *ExecutionStore) AppendResult(_ context.Context, id string, result *models.NodeResult) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := s.read(id)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return store.NewExecutionError("AppendResult", id, store.ErrExecutionFinalized)
	}

	execution.Results = append(execution.Results, result)
	execution.UpdatedAt = time.Now().UTC()

	return s.write(execution)
}

func (s *ExecutionStore) Finalize(_ context.Context, id string, status models.ExecutionStatus, execErr *models.ExecutionError) error {
	if !status.Terminal() {
		return store.NewExecutionError("Finalize", id, store.ErrNotTerminalStatus)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := s.read(id)
	if err != nil {
		return err
	}

	// Finalizing an already-terminal execution is a no-op: concurrent
	// branches may both signal completion. The first finalize wins.
	if execution.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	execution.Status = status
	execution.Error = execErr
	execution.EndedAt = &now
	execution.UpdatedAt = now

	if execution.StartedAt == nil {
		execution.StartedAt = &execution.CreatedAt
	}

	return s.write(execution)
}

func (s *ExecutionStore) ListStalled(_ context.Context, cutoff time.Time) ([]*models.Execution, error) {
	executions, err := s.readAll()
	if err != nil {
		return nil, err
	}

	stalled := make([]*models.Execution, 0)

	for _, execution := range executions {
		if execution.Status != models.ExecutionStatusRunning {
			continue
		}

		if execution.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, execution)
		}
	}

	return stalled, nil
}

func (s *ExecutionStore) read(id string) (*models.Execution, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrExecutionNotFound, id)
		}

		return nil, store.NewExecutionError("Get", id, err)
	}

	var execution models.Execution

	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, store.NewExecutionError("Get", id, err)
	}

	return &execution, nil
}

func (s *ExecutionStore) readAll() ([]*models.Execution, error) {
	files, err := fs.Glob(os.DirFS(s.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.Execution, 0, len(files))

	for _, f := range files {
		execution, err := s.read(f[:len(f)-5])
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

func (s *ExecutionStore) write(execution *models.Execution) error {
	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return store.NewExecutionError("Write", execution.ID, err)
	}

	return writeFileAtomic(s.filePath(execution.ID), data)
}
