package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store"
)

const dirPerm = 0o755

// WorkflowRepository persists workflow definitions as JSON files under
// {root}/workflows.
type WorkflowRepository struct {
	root string
	mu   sync.RWMutex
}

func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (r *WorkflowRepository) dir() string {
	return path.Join(r.root, "workflows")
}

func (r *WorkflowRepository) filePath(id string) string {
	return path.Join(r.dir(), id+".json")
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir(), dirPerm); err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.ID, err)
	}

	return writeFileAtomic(r.filePath(workflow.ID), data)
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.read(id)
}

func (r *WorkflowRepository) read(id string) (*models.Workflow, error) {
	data, err := os.ReadFile(r.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrWorkflowNotFound, id)
		}

		return nil, fmt.Errorf("failed to read workflow %s: %w", id, err)
	}

	var workflow models.Workflow

	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}

	return &workflow, nil
}

func (r *WorkflowRepository) List(_ context.Context, opts store.ListWorkflowsOptions) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files, err := fs.Glob(os.DirFS(r.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(files))

	for _, f := range files {
		workflow, err := r.read(f[:len(f)-5])
		if err != nil {
			return nil, err
		}

		if opts.Active != nil && workflow.Active != *opts.Active {
			continue
		}

		if opts.Tag != "" && !slices.Contains(workflow.Tags, opts.Tag) {
			continue
		}

		workflows = append(workflows, workflow)
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return page(workflows, opts.Offset, opts.Limit), nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.filePath(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", store.ErrWorkflowNotFound, id)
	}

	return err
}

func (r *WorkflowRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflow, err := r.read(id)
	if err != nil {
		return err
	}

	workflow.Active = active
	workflow.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", id, err)
	}

	return writeFileAtomic(r.filePath(id), data)
}

// page applies offset/limit to an already-sorted slice.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}

	items = items[offset:]

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partially written document.
func writeFileAtomic(target string, data []byte) error {
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	return os.Rename(tmp, target)
}
