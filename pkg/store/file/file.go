// Package file implements the store contracts on the local filesystem,
// one JSON document per aggregate. It suits single-node deployments,
// development and tests; the postgres backend covers everything else.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/voxline/voxline/pkg/store"
)

// Store implements store.Store on a directory tree.
type Store struct {
	root       string
	workflows  *WorkflowRepository
	executions *ExecutionStore
}

// NewStore creates a file-backed store rooted at the given directory.
func NewStore(root string) *Store {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Store{
		root:       cleanRoot,
		workflows:  NewWorkflowRepository(cleanRoot),
		executions: NewExecutionStore(cleanRoot),
	}
}

func (s *Store) Workflows() store.WorkflowRepository {
	return s.workflows
}

func (s *Store) Executions() store.ExecutionStore {
	return s.executions
}

// HealthCheck verifies the root directory exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close(_ context.Context) error {
	return nil
}
