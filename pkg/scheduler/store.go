package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ScheduledTitlePrefix marks tasks enqueued by cron jobs. Scheduled
// tasks get a tighter stale timeout and duplicate coalescing.
const ScheduledTitlePrefix = "[Scheduled] "

// scheduledStaleTimeout caps how long a scheduled task may sit
// in-progress before it is reconciled as failed.
const scheduledStaleTimeout = 900 * time.Second

// Task is one unit of background work.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Result      string    `json:"result,omitempty"`
}

// Meta returns the task's embedded plan metadata, if any.
func (t Task) Meta() map[string]any {
	meta, _ := DecodePlanDescription(t.Description)
	return meta
}

// CleanDescription is the description with any plan metadata stripped.
func (t Task) CleanDescription() string {
	_, clean := DecodePlanDescription(t.Description)
	return clean
}

// Public returns a copy safe to show to users and models: the plan
// metadata block is stripped from the description.
func (t Task) Public() Task {
	t.Description = t.CleanDescription()
	return t
}

// AllowsParallel reports whether the task's plan marked it safe to run
// alongside other ready tasks.
func (t Task) AllowsParallel() bool {
	ok, _ := t.Meta()["parallelizable"].(bool)
	return ok
}

// IsScheduled reports whether the task was enqueued by a cron job.
func (t Task) IsScheduled() bool {
	return strings.HasPrefix(t.Title, ScheduledTitlePrefix)
}

// ScheduledJob is a cron-triggered prompt template.
type ScheduledJob struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	TaskPrompt     string `json:"task_prompt"`
	Enabled        bool   `json:"enabled"`
}

// ProtocolTemplate is a reusable task prompt with a default priority.
type ProtocolTemplate struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	DefaultPriority int       `json:"default_priority"`
	PromptTemplate  string    `json:"prompt_template"`
	CreatedAt       time.Time `json:"created_at"`
}

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// Store is the sqlite-backed persistence layer for tasks, scheduled
// jobs, and protocol templates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	priority INTEGER DEFAULT 3,
	created_at TEXT,
	updated_at TEXT,
	result TEXT
);
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	task_prompt TEXT NOT NULL,
	enabled BOOLEAN DEFAULT 1
);
CREATE TABLE IF NOT EXISTS protocol_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	default_priority INTEGER DEFAULT 3,
	prompt_template TEXT NOT NULL,
	created_at TEXT
);
`

// Open creates or opens the task database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create task db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task db schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "task_store"),
		now:    time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanTask(rows interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var description, createdAt, updatedAt, result sql.NullString
	if err := rows.Scan(&t.ID, &t.Title, &description, &t.Status, &t.Priority, &createdAt, &updatedAt, &result); err != nil {
		return Task{}, err
	}
	t.Description = description.String
	t.Result = result.String
	t.CreatedAt = parseTime(createdAt.String)
	t.UpdatedAt = parseTime(updatedAt.String)
	return t, nil
}

const taskColumns = "id, title, description, status, priority, created_at, updated_at, result"

// AddTask inserts a new pending task and returns it. Descriptions
// carrying malformed plan-metadata markers are refused with
// ErrMalformedPlanMeta.
func (s *Store) AddTask(title, description string, priority int) (Task, error) {
	if err := ValidatePlanDescription(description); err != nil {
		return Task{}, err
	}
	now := s.now().UTC()
	task := Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		task.ID, task.Title, task.Description, task.Status, task.Priority,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt), task.Result,
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	s.logger.Info("Task added", "task_id", task.ID, "title", title, "priority", priority)
	return task, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status, or all tasks when status
// is empty. Status-filtered lists come back highest priority first,
// oldest first within a priority; the full list is newest first.
func (s *Store) ListTasks(status string) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(
			"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC", status)
	} else {
		rows, err = s.db.Query("SELECT " + taskColumns + " FROM tasks ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus transitions a task and bumps updated_at. An empty
// result leaves the previous result untouched.
func (s *Store) UpdateTaskStatus(id, status, result string) error {
	var err error
	if result != "" {
		_, err = s.db.Exec(
			"UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?",
			status, result, formatTime(s.now()), id)
	} else {
		_, err = s.db.Exec(
			"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
			status, formatTime(s.now()), id)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// completedStepIDs collects the plan step ids of all completed tasks.
// Dependency gating resolves against this set.
func (s *Store) completedStepIDs() (map[string]bool, error) {
	completed, err := s.ListTasks(StatusCompleted)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, t := range completed {
		if stepID, ok := t.Meta()["step_id"]; ok {
			if id := fmt.Sprint(stepID); id != "" {
				done[id] = true
			}
		}
	}
	return done, nil
}

func dependenciesSatisfied(t Task, done map[string]bool) bool {
	deps, ok := t.Meta()["depends_on"].([]any)
	if !ok {
		return true
	}
	for _, dep := range deps {
		if !done[fmt.Sprint(dep)] {
			return false
		}
	}
	return true
}

// ListReadyPending returns up to limit pending tasks whose plan
// dependencies have all completed, highest priority first.
func (s *Store) ListReadyPending(limit int) ([]Task, error) {
	pending, err := s.ListTasks(StatusPending)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	done, err := s.completedStepIDs()
	if err != nil {
		return nil, err
	}
	var ready []Task
	for _, t := range pending {
		if dependenciesSatisfied(t, done) {
			ready = append(ready, t)
			if len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

// NextPending returns the highest-priority pending task with satisfied
// dependencies.
func (s *Store) NextPending() (Task, bool, error) {
	ready, err := s.ListReadyPending(1)
	if err != nil || len(ready) == 0 {
		return Task{}, false, err
	}
	return ready[0], true, nil
}

// HasActiveTask reports whether a pending or in-progress task already
// exists with this exact title and description. Cron enqueueing uses
// it to coalesce duplicate work.
func (s *Store) HasActiveTask(title, description string) (bool, error) {
	tasks, err := s.ListTasks("")
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status != StatusPending && t.Status != StatusInProgress {
			continue
		}
		if t.Title == title && t.Description == description {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileStaleInProgress fails in-progress tasks that have sat
// untouched past maxAge, so crashed or restarted runs exit the active
// queue. Scheduled tasks use a tighter 900s cutoff since the cron will
// re-enqueue them anyway.
func (s *Store) ReconcileStaleInProgress(maxAge time.Duration) (int, error) {
	if maxAge < time.Second {
		maxAge = time.Second
	}
	scheduledMax := min(maxAge, scheduledStaleTimeout)

	tasks, err := s.ListTasks(StatusInProgress)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	stale := 0
	for _, t := range tasks {
		if t.UpdatedAt.IsZero() {
			continue
		}
		cutoff, result := maxAge, fmt.Sprintf(
			"Task exceeded max in-progress time (%ds) and was marked stale.", int(maxAge.Seconds()))
		if t.IsScheduled() {
			cutoff = scheduledMax
			result = "Scheduled task exceeded max in-progress time (900s) and was marked stale."
		}
		if !t.UpdatedAt.After(now.Add(-cutoff)) {
			stale++
			if err := s.UpdateTaskStatus(t.ID, StatusFailed, result); err != nil {
				return stale, err
			}
		}
	}
	return stale, nil
}

// ReconcileDuplicateScheduledActive collapses duplicate active
// scheduled tasks so each logical cron job has at most one active
// entry. A running task wins over queued copies; among queued copies
// the oldest wins.
func (s *Store) ReconcileDuplicateScheduledActive() (int, error) {
	tasks, err := s.ListTasks("")
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]Task)
	for _, t := range tasks {
		if t.Status != StatusPending && t.Status != StatusInProgress {
			continue
		}
		if !t.IsScheduled() {
			continue
		}
		key := t.Title + "\x00" + t.Description
		groups[key] = append(groups[key], t)
	}

	deduped := 0
	for _, group := range groups {
		if len(group) <= 1 {
			continue
		}

		var keep *Task
		for i := range group {
			t := &group[i]
			if t.Status != StatusInProgress {
				continue
			}
			if keep == nil || t.UpdatedAt.Before(keep.UpdatedAt) {
				keep = t
			}
		}
		if keep == nil {
			for i := range group {
				t := &group[i]
				if keep == nil || t.CreatedAt.Before(keep.CreatedAt) {
					keep = t
				}
			}
		}
		keepID := keep.ID

		for _, t := range group {
			if t.ID == keepID {
				continue
			}
			deduped++
			if err := s.UpdateTaskStatus(t.ID, StatusFailed,
				"Duplicate scheduled task coalesced; another active run already exists."); err != nil {
				return deduped, err
			}
		}
	}
	return deduped, nil
}

// ListJobs returns all scheduled jobs in stable order.
func (s *Store) ListJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(
		"SELECT id, name, cron_expression, task_prompt, enabled FROM scheduled_jobs ORDER BY name ASC, cron_expression ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpression, &j.TaskPrompt, &j.Enabled); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// AddJob persists a scheduled job.
func (s *Store) AddJob(job ScheduledJob) error {
	_, err := s.db.Exec(
		"INSERT INTO scheduled_jobs (id, name, cron_expression, task_prompt, enabled) VALUES (?, ?, ?, ?, ?)",
		job.ID, job.Name, job.CronExpression, job.TaskPrompt, job.Enabled)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites a scheduled job's mutable fields.
func (s *Store) UpdateJob(job ScheduledJob) error {
	_, err := s.db.Exec(
		"UPDATE scheduled_jobs SET name = ?, cron_expression = ?, task_prompt = ?, enabled = ? WHERE id = ?",
		job.Name, job.CronExpression, job.TaskPrompt, job.Enabled, job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

// RemoveJob deletes a scheduled job, reporting whether a row existed.
func (s *Store) RemoveJob(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM scheduled_jobs WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTemplates returns all protocol templates by name.
func (s *Store) ListTemplates() ([]ProtocolTemplate, error) {
	rows, err := s.db.Query(
		"SELECT id, name, description, default_priority, prompt_template, created_at FROM protocol_templates ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []ProtocolTemplate
	for rows.Next() {
		var t ProtocolTemplate
		var description, createdAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.DefaultPriority, &t.PromptTemplate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.Description = description.String
		t.CreatedAt = parseTime(createdAt.String)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// AddTemplate persists a protocol template, assigning it an id.
func (s *Store) AddTemplate(name, description, promptTemplate string, defaultPriority int) (ProtocolTemplate, error) {
	t := ProtocolTemplate{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     description,
		DefaultPriority: defaultPriority,
		PromptTemplate:  promptTemplate,
		CreatedAt:       s.now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO protocol_templates (id, name, description, default_priority, prompt_template, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.Name, t.Description, t.DefaultPriority, t.PromptTemplate, formatTime(t.CreatedAt))
	if err != nil {
		return ProtocolTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

// DeleteTemplate removes a protocol template.
func (s *Store) DeleteTemplate(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM protocol_templates WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete template %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
