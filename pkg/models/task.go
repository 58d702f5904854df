package models

import "time"

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a background unit of work executed by the heartbeat.
// Plan metadata, when present, is encoded inside Description with
// marker delimiters; see the scheduler package codec.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Result      string     `json:"result,omitempty"`
}

// CronJob is a persisted cron trigger that enqueues a task on fire.
type CronJob struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	TaskPrompt     string `json:"task_prompt"`
	Enabled        bool   `json:"enabled"`
}
