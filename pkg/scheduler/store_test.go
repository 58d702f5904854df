package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeClock hands out strictly increasing timestamps so ordering
// assertions are deterministic.
func fakeClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestPendingTasksOrderedByPriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	_, err := store.AddTask("low", "", 1)
	require.NoError(t, err)
	_, err = store.AddTask("urgent-old", "", 5)
	require.NoError(t, err)
	_, err = store.AddTask("urgent-new", "", 5)
	require.NoError(t, err)
	_, err = store.AddTask("normal", "", 3)
	require.NoError(t, err)

	pending, err := store.ListTasks(StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, "urgent-old", pending[0].Title)
	assert.Equal(t, "urgent-new", pending[1].Title)
	assert.Equal(t, "normal", pending[2].Title)
	assert.Equal(t, "low", pending[3].Title)
}

func TestAddTaskRefusesMalformedPlanMeta(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AddTask("broken", "[[PLAN_META]]{not json[[/PLAN_META]]\ndo the thing", 3)
	assert.ErrorIs(t, err, ErrMalformedPlanMeta)

	tasks, err := store.ListTasks("")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// A well-formed block is still accepted.
	desc := EncodePlanDescription("do the thing", map[string]any{"step_id": "s1"})
	task, err := store.AddTask("ok", desc, 3)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", task.CleanDescription())
}

func TestDependencyGatedReadyTasks(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	first, err := store.AddTask("Snapshot data",
		EncodePlanDescription("snap", map[string]any{"step_id": "s1"}), 3)
	require.NoError(t, err)
	blocked, err := store.AddTask("Apply schema",
		EncodePlanDescription("apply", map[string]any{"step_id": "s2", "depends_on": []any{"s1"}}), 3)
	require.NoError(t, err)

	ready, err := store.ListReadyPending(10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, first.ID, ready[0].ID)

	// Completing the dependency unblocks the second step.
	require.NoError(t, store.UpdateTaskStatus(first.ID, StatusCompleted, "done"))
	ready, err = store.ListReadyPending(10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, blocked.ID, ready[0].ID)

	next, ok, err := store.NextPending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blocked.ID, next.ID)
}

func TestHasActiveTaskMatchesTitleAndDescription(t *testing.T) {
	store := newTestStore(t)
	task, err := store.AddTask("[Scheduled] Daily report", "write the report", 4)
	require.NoError(t, err)

	active, err := store.HasActiveTask("[Scheduled] Daily report", "write the report")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = store.HasActiveTask("[Scheduled] Daily report", "different prompt")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, store.UpdateTaskStatus(task.ID, StatusCompleted, "done"))
	active, err = store.HasActiveTask("[Scheduled] Daily report", "write the report")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestReconcileStaleInProgress(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	// Create and start three tasks in the past.
	store.now = func() time.Time { return base }
	scheduled, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	old, err := store.AddTask("Long migration", "migrate", 3)
	require.NoError(t, err)
	recent, err := store.AddTask("Quick check", "check", 3)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTaskStatus(scheduled.ID, StatusInProgress, ""))
	require.NoError(t, store.UpdateTaskStatus(old.ID, StatusInProgress, ""))

	// The quick check started much later and is still fresh.
	store.now = func() time.Time { return base.Add(50 * time.Minute) }
	require.NoError(t, store.UpdateTaskStatus(recent.ID, StatusInProgress, ""))

	store.now = func() time.Time { return base.Add(61 * time.Minute) }
	stale, err := store.ReconcileStaleInProgress(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, stale)

	got, err := store.GetTask(scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Scheduled task exceeded max in-progress time (900s) and was marked stale.", got.Result)

	got, err = store.GetTask(old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Task exceeded max in-progress time (3600s) and was marked stale.", got.Result)

	got, err = store.GetTask(recent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestReconcileStaleUsesTighterScheduledCutoff(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	scheduled, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	normal, err := store.AddTask("Migration", "migrate", 3)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(scheduled.ID, StatusInProgress, ""))
	require.NoError(t, store.UpdateTaskStatus(normal.ID, StatusInProgress, ""))

	// 20 minutes in: past the scheduled cutoff, inside the general one.
	store.now = func() time.Time { return base.Add(20 * time.Minute) }
	stale, err := store.ReconcileStaleInProgress(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	got, err := store.GetTask(scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	got, err = store.GetTask(normal.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestReconcileDuplicateScheduledActiveKeepsOldestQueued(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	first, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	second, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	other, err := store.AddTask("[Scheduled] Report", "report", 4)
	require.NoError(t, err)

	deduped, err := store.ReconcileDuplicateScheduledActive()
	require.NoError(t, err)
	assert.Equal(t, 1, deduped)

	got, err := store.GetTask(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	got, err = store.GetTask(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Duplicate scheduled task coalesced; another active run already exists.", got.Result)

	got, err = store.GetTask(other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestReconcileDuplicateScheduledActivePrefersRunning(t *testing.T) {
	store := newTestStore(t)
	store.now = fakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))

	queued, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	running, err := store.AddTask("[Scheduled] Sweep", "sweep", 4)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(running.ID, StatusInProgress, ""))

	deduped, err := store.ReconcileDuplicateScheduledActive()
	require.NoError(t, err)
	assert.Equal(t, 1, deduped)

	got, err := store.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	got, err = store.GetTask(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestTaskPublicStripsPlanMeta(t *testing.T) {
	task := Task{
		Title: "Apply schema",
		Description: EncodePlanDescription("apply the schema",
			map[string]any{"step_id": "s2", "parallelizable": true}),
	}
	assert.True(t, task.AllowsParallel())
	assert.Equal(t, "apply the schema", task.Public().Description)
	assert.Equal(t, "apply the schema", task.CleanDescription())

	plain := Task{Description: "no meta here"}
	assert.False(t, plain.AllowsParallel())
	assert.Equal(t, "no meta here", plain.Public().Description)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateTaskStatusKeepsResultWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	task, err := store.AddTask("t", "", 3)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTaskStatus(task.ID, StatusCompleted, "the outcome"))
	require.NoError(t, store.UpdateTaskStatus(task.ID, StatusFailed, ""))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "the outcome", got.Result)
}

func TestProtocolTemplates(t *testing.T) {
	store := newTestStore(t)
	tpl, err := store.AddTemplate("Morning briefing", "daily digest", "Summarize overnight activity", 4)
	require.NoError(t, err)

	templates, err := store.ListTemplates()
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "Morning briefing", templates[0].Name)
	assert.Equal(t, 4, templates[0].DefaultPriority)

	removed, err := store.DeleteTemplate(tpl.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	templates, err = store.ListTemplates()
	require.NoError(t, err)
	assert.Empty(t, templates)
}
