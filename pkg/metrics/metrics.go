// Package metrics keeps per-workflow rolling execution statistics:
// counts, success rate and duration percentiles. It feeds off the
// execution-finished events the engine publishes, with a full store
// re-scan only on cold start or an explicit recompute.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store"
)

// durationWindow bounds the per-workflow duration samples percentiles
// are computed over; older samples roll off.
const durationWindow = 512

// Summary is a point-in-time view of one workflow's execution history.
type Summary struct {
	WorkflowID  string        `json:"workflow_id"`
	Executions  int64         `json:"executions"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	LastRunAt   time.Time     `json:"last_run_at"`
}

type workflowStats struct {
	executions int64
	successes  int64
	durations  []time.Duration
	lastRunAt  time.Time
}

// Aggregator accumulates execution outcomes per workflow. All methods
// are safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger

	mu    sync.RWMutex
	stats map[string]*workflowStats
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.With("module", "metrics"),
		stats:  make(map[string]*workflowStats),
	}
}

// Register subscribes the aggregator to execution-finished events.
func (a *Aggregator) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.ExecutionFinishedEvent, a.handleFinished)
}

func (a *Aggregator) handleFinished(ctx context.Context, event any) error {
	finished, ok := event.(*events.ExecutionFinished)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	a.Record(finished.WorkflowID, finished.Status, finished.Duration, finished.Timestamp)
	a.logger.DebugContext(ctx, "Recorded execution outcome",
		"workflow_id", finished.WorkflowID, "status", finished.Status)

	return nil
}

// Record folds one terminal execution into the workflow's statistics.
// Non-terminal statuses are ignored.
func (a *Aggregator) Record(workflowID string, status models.ExecutionStatus, duration time.Duration, finishedAt time.Time) {
	if !status.Terminal() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.record(workflowID, status, duration, finishedAt)
}

// record updates stats. Callers hold a.mu.
func (a *Aggregator) record(workflowID string, status models.ExecutionStatus, duration time.Duration, finishedAt time.Time) {
	stats, ok := a.stats[workflowID]
	if !ok {
		stats = &workflowStats{durations: make([]time.Duration, 0, durationWindow)}
		a.stats[workflowID] = stats
	}

	stats.executions++

	if status == models.ExecutionStatusSuccess {
		stats.successes++
	}

	if duration > 0 {
		if len(stats.durations) == durationWindow {
			stats.durations = stats.durations[1:]
		}

		stats.durations = append(stats.durations, duration)
	}

	if finishedAt.After(stats.lastRunAt) {
		stats.lastRunAt = finishedAt
	}
}

// Snapshot returns the summary for one workflow; ok is false when no
// execution of it has been recorded yet.
func (a *Aggregator) Snapshot(workflowID string) (Summary, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats, ok := a.stats[workflowID]
	if !ok {
		return Summary{WorkflowID: workflowID}, false
	}

	return stats.summary(workflowID), true
}

// All returns summaries for every workflow seen so far, ordered by
// workflow id.
func (a *Aggregator) All() []Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summaries := make([]Summary, 0, len(a.stats))
	for workflowID, stats := range a.stats {
		summaries = append(summaries, stats.summary(workflowID))
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].WorkflowID < summaries[j].WorkflowID })

	return summaries
}

// Recompute rebuilds all statistics from the execution store, replacing
// the incremental state. Meant for cold start, before the event
// subscription begins delivering.
func (a *Aggregator) Recompute(ctx context.Context, workflows store.WorkflowRepository, executions store.ExecutionStore) error {
	all, err := workflows.List(ctx, store.ListWorkflowsOptions{})
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}

	fresh := make(map[string]*workflowStats)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats = fresh

	for _, workflow := range all {
		history, err := executions.ListExecutions(ctx, workflow.ID, store.ListExecutionsOptions{})
		if err != nil {
			return fmt.Errorf("failed to list executions of %s: %w", workflow.ID, err)
		}

		for _, execution := range history {
			if !execution.Status.Terminal() {
				continue
			}

			finishedAt := execution.UpdatedAt
			if execution.EndedAt != nil {
				finishedAt = *execution.EndedAt
			}

			a.record(workflow.ID, execution.Status, execution.Duration(), finishedAt)
		}
	}

	a.logger.InfoContext(ctx, "Recomputed workflow metrics", "workflows", len(a.stats))

	return nil
}

func (s *workflowStats) summary(workflowID string) Summary {
	summary := Summary{
		WorkflowID: workflowID,
		Executions: s.executions,
		Successes:  s.successes,
		Failures:   s.executions - s.successes,
		LastRunAt:  s.lastRunAt,
	}

	if s.executions > 0 {
		summary.SuccessRate = float64(s.successes) / float64(s.executions)
	}

	if len(s.durations) > 0 {
		sorted := make([]time.Duration, len(s.durations))
		copy(sorted, s.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		summary.P50 = percentile(sorted, 0.50)
		summary.P95 = percentile(sorted, 0.95)
		summary.P99 = percentile(sorted, 0.99)
	}

	return summary
}

// percentile picks by nearest rank from an ascending sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}

	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}

	return sorted[rank]
}
