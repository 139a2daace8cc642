package metrics

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/store/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordAccumulatesPerWorkflow(t *testing.T) {
	agg := NewAggregator(testLogger())
	now := time.Now().UTC()

	agg.Record("wf-calls", models.ExecutionStatusSuccess, 100*time.Millisecond, now)
	agg.Record("wf-calls", models.ExecutionStatusSuccess, 200*time.Millisecond, now.Add(time.Second))
	agg.Record("wf-calls", models.ExecutionStatusError, 300*time.Millisecond, now.Add(2*time.Second))
	agg.Record("wf-other", models.ExecutionStatusSuccess, 50*time.Millisecond, now)

	summary, ok := agg.Snapshot("wf-calls")
	require.True(t, ok)
	assert.Equal(t, int64(3), summary.Executions)
	assert.Equal(t, int64(2), summary.Successes)
	assert.Equal(t, int64(1), summary.Failures)
	assert.InDelta(t, 2.0/3.0, summary.SuccessRate, 0.001)
	assert.Equal(t, 200*time.Millisecond, summary.P50)
	assert.Equal(t, 300*time.Millisecond, summary.P95)
	assert.Equal(t, now.Add(2*time.Second), summary.LastRunAt)

	all := agg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "wf-calls", all[0].WorkflowID)
	assert.Equal(t, "wf-other", all[1].WorkflowID)
}

func TestRecordIgnoresNonTerminalStatus(t *testing.T) {
	agg := NewAggregator(testLogger())

	agg.Record("wf-calls", models.ExecutionStatusRunning, time.Second, time.Now())
	agg.Record("wf-calls", models.ExecutionStatusQueued, time.Second, time.Now())

	_, ok := agg.Snapshot("wf-calls")
	assert.False(t, ok)
}

func TestSnapshotUnknownWorkflow(t *testing.T) {
	agg := NewAggregator(testLogger())

	summary, ok := agg.Snapshot("wf-ghost")
	assert.False(t, ok)
	assert.Equal(t, "wf-ghost", summary.WorkflowID)
	assert.Zero(t, summary.Executions)
}

func TestHandleFinishedEvent(t *testing.T) {
	agg := NewAggregator(testLogger())

	event := &events.ExecutionFinished{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFinishedEvent, "wf-calls"),
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusSuccess,
		Duration:    time.Second,
	}

	require.NoError(t, agg.handleFinished(t.Context(), event))

	summary, ok := agg.Snapshot("wf-calls")
	require.True(t, ok)
	assert.Equal(t, int64(1), summary.Executions)
	assert.Equal(t, time.Second, summary.P50)

	err := agg.handleFinished(t.Context(), "not an event")
	require.Error(t, err)
}

func TestDurationWindowRollsOff(t *testing.T) {
	agg := NewAggregator(testLogger())
	now := time.Now().UTC()

	// Fill the window with slow samples, then push them out with fast
	// ones; the percentiles must follow the recent window.
	for range durationWindow {
		agg.Record("wf-calls", models.ExecutionStatusSuccess, time.Minute, now)
	}

	for range durationWindow {
		agg.Record("wf-calls", models.ExecutionStatusSuccess, time.Millisecond, now)
	}

	summary, ok := agg.Snapshot("wf-calls")
	require.True(t, ok)
	assert.Equal(t, int64(2*durationWindow), summary.Executions)
	assert.Equal(t, time.Millisecond, summary.P99)
}

func TestRecomputeMatchesIncrementalTotals(t *testing.T) {
	s := file.NewStore(t.TempDir())

	workflow := &models.Workflow{
		ID:     "wf-calls",
		Name:   "Inbound Call Routing",
		Active: true,
		Nodes: []*models.Node{
			{ID: "entry", Kind: models.NodeKindTrigger, Handler: "webhook"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "entry"},
		},
	}
	require.NoError(t, s.Workflows().Save(t.Context(), workflow))

	statuses := []models.ExecutionStatus{
		models.ExecutionStatusSuccess,
		models.ExecutionStatusSuccess,
		models.ExecutionStatusError,
	}

	incremental := NewAggregator(testLogger())

	for i, status := range statuses {
		id := "exec-" + string(rune('a'+i))
		require.NoError(t, s.Executions().CreateExecution(t.Context(), &models.Execution{
			ID:         id,
			WorkflowID: workflow.ID,
			Status:     models.ExecutionStatusQueued,
		}))
		require.NoError(t, s.Executions().MarkRunning(t.Context(), id, time.Now().UTC()))

		var execErr *models.ExecutionError
		if status == models.ExecutionStatusError {
			execErr = &models.ExecutionError{Kind: models.ErrorKindHandler, Message: "boom"}
		}

		require.NoError(t, s.Executions().Finalize(t.Context(), id, status, execErr))

		finalized, err := s.Executions().GetExecution(t.Context(), id)
		require.NoError(t, err)
		incremental.Record(workflow.ID, finalized.Status, finalized.Duration(), *finalized.EndedAt)
	}

	// One still-running execution must not count either way.
	require.NoError(t, s.Executions().CreateExecution(t.Context(), &models.Execution{
		ID:         "exec-open",
		WorkflowID: workflow.ID,
		Status:     models.ExecutionStatusQueued,
	}))

	cold := NewAggregator(testLogger())
	require.NoError(t, cold.Recompute(t.Context(), s.Workflows(), s.Executions()))

	fromEvents, ok := incremental.Snapshot(workflow.ID)
	require.True(t, ok)

	fromScan, ok := cold.Snapshot(workflow.ID)
	require.True(t, ok)

	assert.Equal(t, fromEvents.Executions, fromScan.Executions)
	assert.Equal(t, fromEvents.Successes, fromScan.Successes)
	assert.Equal(t, fromEvents.Failures, fromScan.Failures)
	assert.InDelta(t, fromEvents.SuccessRate, fromScan.SuccessRate, 0.001)
}
