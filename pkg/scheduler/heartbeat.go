package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/agent"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// StaleInProgressTimeout is how long a task may sit in-progress before
// the heartbeat reconciles it as failed.
const StaleInProgressTimeout = time.Hour

// MaxParallelReadyTasks bounds how many ready tasks one tick will pick
// up at once.
const MaxParallelReadyTasks = 3

// DefaultHeartbeatInterval is used when no interval is configured.
const DefaultHeartbeatInterval = 30 * time.Minute

// Runner executes one agent run. *agent.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, in agent.RunInput) (*models.AgentResponse, error)
}

// SessionStore loads and persists agent sessions for background runs.
type SessionStore interface {
	Load(sessionID string) (*models.AgentSession, error)
	Save(sess *models.AgentSession) error
}

// HeartbeatStatus is the runtime snapshot exposed over the API.
type HeartbeatStatus struct {
	Running         bool       `json:"running"`
	IntervalSeconds int        `json:"interval_seconds"`
	LastTickAt      *time.Time `json:"last_tick_at,omitempty"`
	NextTickAt      *time.Time `json:"next_tick_at,omitempty"`
}

// Heartbeat periodically drains ready tasks from the queue through the
// orchestrator. Each task gets a fresh runner so parallel executions
// never share mutable runtime state.
type Heartbeat struct {
	store     *Store
	sessions  SessionStore
	newRunner func() Runner
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	nextTick time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHeartbeat builds the loop; Start begins ticking.
func NewHeartbeat(store *Store, sessions SessionStore, newRunner func() Runner, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		store:     store,
		sessions:  sessions,
		newRunner: newRunner,
		interval:  interval,
		logger:    logger.With("component", "heartbeat"),
	}
}

// Start launches the tick loop. The first tick fires immediately.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("Agent heartbeat started", "interval_seconds", int(h.interval.Seconds()))
	go h.loop(ctx)
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		h.mu.Lock()
		h.lastTick = time.Now()
		h.mu.Unlock()

		h.logger.Info("Heartbeat tick started")
		h.Tick(ctx)
		h.logger.Info("Heartbeat tick completed")

		h.mu.Lock()
		h.nextTick = time.Now().Add(h.interval)
		h.mu.Unlock()
		timer.Reset(h.interval)
	}
}

// Stop halts the loop and waits for any in-flight tick to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.nextTick = time.Time{}
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	<-done
	h.logger.Info("Agent heartbeat stopped")
}

// Status reports the loop's runtime state.
func (h *Heartbeat) Status() HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := HeartbeatStatus{
		Running:         h.running,
		IntervalSeconds: int(h.interval.Seconds()),
	}
	if !h.lastTick.IsZero() {
		t := h.lastTick
		status.LastTickAt = &t
	}
	if !h.nextTick.IsZero() {
		t := h.nextTick
		status.NextTickAt = &t
	}
	return status
}

// Tick reconciles queue hygiene and processes ready tasks. When two or
// more ready tasks are marked parallelizable they run concurrently;
// otherwise only the highest-priority ready task runs.
func (h *Heartbeat) Tick(ctx context.Context) {
	if stale, err := h.store.ReconcileStaleInProgress(StaleInProgressTimeout); err != nil {
		h.logger.Error("Stale task reconciliation failed", "error", err)
	} else if stale > 0 {
		h.logger.Warn("Marked stale in-progress tasks as failed", "count", stale)
	}

	if deduped, err := h.store.ReconcileDuplicateScheduledActive(); err != nil {
		h.logger.Error("Duplicate task reconciliation failed", "error", err)
	} else if deduped > 0 {
		h.logger.Warn("Coalesced duplicate active scheduled tasks", "count", deduped)
	}

	ready, err := h.store.ListReadyPending(MaxParallelReadyTasks)
	if err != nil {
		h.logger.Error("Failed to list ready tasks", "error", err)
		return
	}
	if len(ready) == 0 {
		h.logger.Info("No ready pending tasks; skipping model invocation")
		return
	}

	var parallel []Task
	for _, t := range ready {
		if t.AllowsParallel() {
			parallel = append(parallel, t)
		}
	}
	if len(parallel) >= 2 {
		h.logger.Info("Parallel-ready tasks detected", "count", len(parallel))
		var wg sync.WaitGroup
		for _, task := range parallel {
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				h.ProcessTask(ctx, task)
			}(task)
		}
		wg.Wait()
		return
	}

	task := ready[0]
	h.logger.Info("Reactive task detected", "task_id", task.ID, "title", task.Title)
	h.ProcessTask(ctx, task)
}

// ProcessTask executes one task end to end: marks it in-progress, runs
// the agent against the task prompt in a dedicated session, and records
// the outcome on the task row.
func (h *Heartbeat) ProcessTask(ctx context.Context, task Task) {
	runner := h.newRunner()
	h.logger.Info("Picked up task", "task_id", task.ID, "title", task.Title)

	if err := h.store.UpdateTaskStatus(task.ID, StatusInProgress, ""); err != nil {
		h.logger.Error("Failed to mark task in progress", "task_id", task.ID, "error", err)
		return
	}

	sessionID := "task_" + task.ID
	session, err := h.sessions.Load(sessionID)
	if err != nil {
		h.failTask(task, fmt.Sprintf("load session: %v", err))
		return
	}

	prompt := fmt.Sprintf(
		"Background Task Execution:\nTitle: %s\nDescription: %s\n\nPlease execute this task. Use available tools if necessary.",
		task.Title, task.CleanDescription())

	resp, err := runner.Run(ctx, agent.RunInput{
		Prompt:         prompt,
		Session:        session,
		SourceChannel:  "heartbeat",
		SourceMetadata: map[string]any{"transport": "scheduler"},
	})
	if err != nil {
		h.failTask(task, err.Error())
		return
	}

	if resp.Session != nil {
		if err := h.sessions.Save(resp.Session); err != nil {
			h.logger.Error("Failed to save task session", "session_id", sessionID, "error", err)
		}
	}

	result := resp.Response
	if tools := metadataTools(resp.Metadata); len(tools) > 0 {
		result += fmt.Sprintf("\n[Tools Used: %s]", strings.Join(tools, ", "))
	}
	if err := h.store.UpdateTaskStatus(task.ID, StatusCompleted, result); err != nil {
		h.logger.Error("Failed to mark task completed", "task_id", task.ID, "error", err)
		return
	}
	h.logger.Info("Task completed", "task_id", task.ID, "title", task.Title)
}

func (h *Heartbeat) failTask(task Task, reason string) {
	h.logger.Error("Task failed", "task_id", task.ID, "title", task.Title, "error", reason)
	if err := h.store.UpdateTaskStatus(task.ID, StatusFailed, reason); err != nil {
		h.logger.Error("Failed to mark task failed", "task_id", task.ID, "error", err)
	}
}

// metadataTools extracts the tools_used list from run metadata, which
// may carry either []string or []any depending on the producer.
func metadataTools(metadata map[string]any) []string {
	switch v := metadata["tools_used"].(type) {
	case []string:
		return v
	case []any:
		tools := make([]string, 0, len(v))
		for _, item := range v {
			tools = append(tools, fmt.Sprint(item))
		}
		return tools
	}
	return nil
}
