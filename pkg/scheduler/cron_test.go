package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCronManager(t *testing.T, store *Store) *CronManager {
	t.Helper()
	m, err := NewCronManager(store, nil)
	require.NoError(t, err)
	return m
}

func TestJobFingerprintNormalization(t *testing.T) {
	assert.Equal(t,
		jobFingerprint("daily report", "0 9 * * *"),
		jobFingerprint("  daily report  ", " 0   9 * *   * "))
	assert.NotEqual(t,
		jobFingerprint("daily report", "0 9 * * *"),
		jobFingerprint("daily report", "0 10 * * *"))
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, validateCronExpression("*/5 * * * *"))
	assert.NoError(t, validateCronExpression("0 9 * * 1-5"))
	assert.Error(t, validateCronExpression("0 9 * *"))
	assert.Error(t, validateCronExpression("0 9 * * * *"))
	assert.Error(t, validateCronExpression("99 9 * * *"))
}

func TestAddJobIdempotentByFingerprint(t *testing.T) {
	store := newTestStore(t)
	m := newTestCronManager(t, store)

	first, err := m.AddJob("Daily report", "0 9 * * *", "Write the daily report")
	require.NoError(t, err)
	second, err := m.AddJob("Daily report", "0  9 * * *", "Different prompt, same logical job")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	m := newTestCronManager(t, newTestStore(t))
	_, err := m.AddJob("Broken", "not a cron", "prompt")
	assert.Error(t, err)
	assert.Empty(t, m.ListJobs())
}

func TestLoadJobsPrunesDuplicates(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AddJob(ScheduledJob{
		ID: "job-a", Name: "Sweep", CronExpression: "*/30 * * * *", TaskPrompt: "sweep", Enabled: true,
	}))
	require.NoError(t, store.AddJob(ScheduledJob{
		ID: "job-b", Name: "Sweep", CronExpression: "*/30  * * * *", TaskPrompt: "sweep again", Enabled: true,
	}))

	m := newTestCronManager(t, store)
	jobs := m.ListJobs()
	require.Len(t, jobs, 1)

	stored, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, jobs[0].ID, stored[0].ID)
}

func TestRunNowEnqueuesAndCoalesces(t *testing.T) {
	store := newTestStore(t)
	m := newTestCronManager(t, store)

	jobID, err := m.AddJob("Daily report", "0 9 * * *", "Write the daily report")
	require.NoError(t, err)

	status, taskID, err := m.RunNow(jobID)
	require.NoError(t, err)
	assert.Equal(t, EnqueueStatusEnqueued, status)
	require.NotEmpty(t, taskID)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, "[Scheduled] Daily report", task.Title)
	assert.Equal(t, "Write the daily report", task.Description)
	assert.Equal(t, 4, task.Priority)
	assert.Equal(t, StatusPending, task.Status)

	// The identical task is still active, so a second fire is skipped.
	status, taskID, err = m.RunNow(jobID)
	require.NoError(t, err)
	assert.Equal(t, EnqueueStatusSkippedActive, status)
	assert.Empty(t, taskID)

	status, _, err = m.RunNow("missing-job")
	require.NoError(t, err)
	assert.Equal(t, EnqueueStatusNotFound, status)
}

func TestUpdateJobRejectsFingerprintConflict(t *testing.T) {
	store := newTestStore(t)
	m := newTestCronManager(t, store)

	_, err := m.AddJob("Sweep", "*/30 * * * *", "sweep")
	require.NoError(t, err)
	otherID, err := m.AddJob("Report", "0 9 * * *", "report")
	require.NoError(t, err)

	name := "Sweep"
	expr := "*/30 * * * *"
	_, err = m.UpdateJob(otherID, JobUpdate{Name: &name, CronExpression: &expr})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestUpdateJobAppliesPartialChanges(t *testing.T) {
	store := newTestStore(t)
	m := newTestCronManager(t, store)

	jobID, err := m.AddJob("Sweep", "*/30 * * * *", "sweep")
	require.NoError(t, err)

	disabled := false
	prompt := "sweep harder"
	updated, err := m.UpdateJob(jobID, JobUpdate{TaskPrompt: &prompt, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "Sweep", updated.Name)
	assert.Equal(t, "sweep harder", updated.TaskPrompt)
	assert.False(t, updated.Enabled)

	// Persisted too.
	stored, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "sweep harder", stored[0].TaskPrompt)
	assert.False(t, stored[0].Enabled)

	_, err = m.UpdateJob("missing", JobUpdate{TaskPrompt: &prompt})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRemoveJob(t *testing.T) {
	store := newTestStore(t)
	m := newTestCronManager(t, store)

	jobID, err := m.AddJob("Sweep", "*/30 * * * *", "sweep")
	require.NoError(t, err)

	assert.True(t, m.RemoveJob(jobID))
	assert.False(t, m.RemoveJob(jobID))
	assert.Empty(t, m.ListJobs())

	stored, err := store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, stored)
}
