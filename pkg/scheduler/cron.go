package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
)

// Enqueue outcomes for cron-triggered task creation.
const (
	EnqueueStatusEnqueued      = "enqueued"
	EnqueueStatusSkippedActive = "skipped_active"
	EnqueueStatusNotFound      = "not_found"
)

// ErrJobNotFound is returned when a job id has no entry.
var ErrJobNotFound = errors.New("scheduled job not found")

// ErrDuplicateJob is returned when an update would collide with
// another job's name + cron expression.
var ErrDuplicateJob = errors.New(
	"A scheduled cron job with the same name and cron expression already exists.")

// JobUpdate carries the mutable fields of a scheduled job; nil fields
// are left unchanged.
type JobUpdate struct {
	Name           *string
	CronExpression *string
	TaskPrompt     *string
	Enabled        *bool
}

// CronManager owns the scheduled job table and translates cron fires
// into queued tasks. One logical job is identified by its fingerprint
// (name + normalized cron expression); duplicates are coalesced both
// at load time and at enqueue time.
type CronManager struct {
	mu      sync.Mutex
	store   *Store
	cron    *cron.Cron
	jobs    map[string]ScheduledJob
	entries map[string]cron.EntryID
	logger  *slog.Logger
}

// NewCronManager loads the persisted jobs, pruning logical duplicates
// left behind by prior runs, and schedules the enabled ones. The
// scheduler does not fire until Start is called.
func NewCronManager(store *Store, logger *slog.Logger) (*CronManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &CronManager{
		store:   store,
		cron:    cron.New(),
		jobs:    make(map[string]ScheduledJob),
		entries: make(map[string]cron.EntryID),
		logger:  logger.With("component", "cron_manager"),
	}
	if err := m.loadJobs(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins firing scheduled jobs.
func (m *CronManager) Start() {
	m.cron.Start()
	m.logger.Info("Cron scheduler started")
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (m *CronManager) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("Cron scheduler stopped")
}

func jobFingerprint(name, cronExpression string) string {
	return strings.TrimSpace(name) + "||" + strings.Join(strings.Fields(cronExpression), " ")
}

// validateCronExpression enforces the standard 5-field form
// "minute hour day month day_of_week".
func validateCronExpression(expr string) error {
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("cron expression must have 5 fields (minute hour day month day_of_week), got %q", expr)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

func (m *CronManager) loadJobs() error {
	jobs, err := m.store.ListJobs()
	if err != nil {
		return err
	}

	seen := make(map[string]string)
	for _, job := range jobs {
		fp := jobFingerprint(job.Name, job.CronExpression)
		if keptID, dup := seen[fp]; dup {
			if _, err := m.store.RemoveJob(job.ID); err != nil {
				m.logger.Error("Failed to remove duplicate cron job", "job_id", job.ID, "error", err)
				continue
			}
			m.logger.Warn("Removed duplicate cron job", "name", job.Name, "job_id", job.ID, "kept", keptID)
			continue
		}
		seen[fp] = job.ID
		m.jobs[job.ID] = job
		m.scheduleLocked(job)
	}
	return nil
}

// scheduleLocked (re)registers a job with the underlying scheduler.
// Callers hold m.mu or are still single-threaded in the constructor.
func (m *CronManager) scheduleLocked(job ScheduledJob) {
	if entryID, ok := m.entries[job.ID]; ok {
		m.cron.Remove(entryID)
		delete(m.entries, job.ID)
	}
	if !job.Enabled {
		return
	}
	if err := validateCronExpression(job.CronExpression); err != nil {
		m.logger.Error("Invalid cron format for job", "name", job.Name, "expression", job.CronExpression, "error", err)
		return
	}

	jobID := job.ID
	entryID, err := m.cron.AddFunc(job.CronExpression, func() { m.fire(jobID) })
	if err != nil {
		m.logger.Error("Failed to schedule job", "name", job.Name, "error", err)
		return
	}
	m.entries[job.ID] = entryID
	m.logger.Info("Scheduled cron job", "name", job.Name, "expression", job.CronExpression)
}

func (m *CronManager) fire(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("Cron execution", "name", job.Name)
	status, taskID, err := m.enqueueJobTask(job)
	if err != nil {
		m.logger.Error("Cron enqueue failed", "name", job.Name, "error", err)
		return
	}
	if status == EnqueueStatusSkippedActive {
		m.logger.Info("Skipped cron enqueue, active task already exists", "name", job.Name)
		return
	}
	m.logger.Info("Cron task enqueued", "name", job.Name, "task_id", taskID)
}

// enqueueJobTask adds one high-priority task for a job fire, unless an
// identical task is already pending or running.
func (m *CronManager) enqueueJobTask(job ScheduledJob) (string, string, error) {
	title := ScheduledTitlePrefix + job.Name

	active, err := m.store.HasActiveTask(title, job.TaskPrompt)
	if err != nil {
		return "", "", err
	}
	if active {
		return EnqueueStatusSkippedActive, "", nil
	}

	task, err := m.store.AddTask(title, job.TaskPrompt, 4)
	if err != nil {
		return "", "", err
	}
	return EnqueueStatusEnqueued, task.ID, nil
}

// RunNow enqueues a job's task immediately, outside its schedule.
func (m *CronManager) RunNow(jobID string) (string, string, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return EnqueueStatusNotFound, "", nil
	}
	return m.enqueueJobTask(job)
}

// AddJob creates and schedules a job. Adding a job whose name and cron
// expression match an existing one is idempotent and returns the
// existing id.
func (m *CronManager) AddJob(name, cronExpression, taskPrompt string) (string, error) {
	if err := validateCronExpression(cronExpression); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fp := jobFingerprint(name, cronExpression)
	for _, existing := range m.jobs {
		if jobFingerprint(existing.Name, existing.CronExpression) == fp {
			return existing.ID, nil
		}
	}

	job := ScheduledJob{
		ID:             uuid.NewString(),
		Name:           name,
		CronExpression: cronExpression,
		TaskPrompt:     taskPrompt,
		Enabled:        true,
	}
	if err := m.store.AddJob(job); err != nil {
		return "", err
	}
	m.jobs[job.ID] = job
	m.scheduleLocked(job)
	return job.ID, nil
}

// UpdateJob applies a partial update, rejecting changes that would
// collide with another job's fingerprint, and reschedules the job.
func (m *CronManager) UpdateJob(jobID string, update JobUpdate) (ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.jobs[jobID]
	if !ok {
		return ScheduledJob{}, ErrJobNotFound
	}

	updated := existing
	if update.Name != nil {
		updated.Name = *update.Name
	}
	if update.CronExpression != nil {
		updated.CronExpression = *update.CronExpression
	}
	if update.TaskPrompt != nil {
		updated.TaskPrompt = *update.TaskPrompt
	}
	if update.Enabled != nil {
		updated.Enabled = *update.Enabled
	}
	if err := validateCronExpression(updated.CronExpression); err != nil {
		return ScheduledJob{}, err
	}

	fp := jobFingerprint(updated.Name, updated.CronExpression)
	for _, other := range m.jobs {
		if other.ID == jobID {
			continue
		}
		if jobFingerprint(other.Name, other.CronExpression) == fp {
			return ScheduledJob{}, ErrDuplicateJob
		}
	}

	if err := m.store.UpdateJob(updated); err != nil {
		return ScheduledJob{}, err
	}
	m.jobs[jobID] = updated
	m.scheduleLocked(updated)
	return updated, nil
}

// RemoveJob unschedules and deletes a job.
func (m *CronManager) RemoveJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return false
	}
	delete(m.jobs, jobID)
	if entryID, ok := m.entries[jobID]; ok {
		m.cron.Remove(entryID)
		delete(m.entries, jobID)
	}
	if _, err := m.store.RemoveJob(jobID); err != nil {
		m.logger.Error("Failed to delete cron job", "job_id", jobID, "error", err)
	}
	return true
}

// NextRun reports when a scheduled job will next fire, or nil when the
// job is disabled, invalid, or unknown.
func (m *CronManager) NextRun(jobID string) *time.Time {
	m.mu.Lock()
	entryID, ok := m.entries[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	next := m.cron.Entry(entryID).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// GetJob fetches one job by id.
func (m *CronManager) GetJob(jobID string) (ScheduledJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok
}

// ListJobs returns the known jobs in stable name order.
func (m *CronManager) ListJobs() []ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]ScheduledJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Name != jobs[j].Name {
			return jobs[i].Name < jobs[j].Name
		}
		if jobs[i].CronExpression != jobs[j].CronExpression {
			return jobs[i].CronExpression < jobs[j].CronExpression
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// LongTermRetention is how long unreferenced long-term memories live
// before the daily maintenance sweep removes them.
const LongTermRetention = 30 * 24 * time.Hour

// RegisterMaintenance attaches the recurring memory cleanup jobs to
// the cron scheduler: a daily sweep of old long-term memories and a
// half-hourly sweep of expired short-term entries.
func (m *CronManager) RegisterMaintenance(index *memory.Index, shortTerm *memory.ShortTermStore) {
	if index != nil {
		m.cron.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
			removed := index.CleanupOld(LongTermRetention)
			m.logger.Info("Long-term memory cleanup complete", "removed", removed)
		}))
	}
	if shortTerm != nil {
		m.cron.Schedule(cron.Every(30*time.Minute), cron.FuncJob(func() {
			shortTerm.CleanupExpired("")
		}))
	}
}
