// Package runs tracks in-flight agent executions and gates their
// admission. The registry owns abort/steer signalling and the watchdog;
// the lane queue owns concurrency limits and per-session exclusivity.
package runs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
	StatusTimedOut  = "timed_out"
)

// Handle is the live state of one run. Abort is signalled by closing
// the abort channel; steering messages queue in a small inbox drained
// by the execution loop between turns.
type Handle struct {
	SessionID string
	RunID     string
	StartedAt time.Time
	Status    string
	Reason    string
	Turn      int

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	steer     chan string
}

// AbortChan is closed when the run should stop.
func (h *Handle) AbortChan() <-chan struct{} { return h.abort }

// DoneChan is closed when the run has ended, whatever the outcome.
func (h *Handle) DoneChan() <-chan struct{} { return h.done }

// Snapshot is the externally visible view of a run.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Turn      int       `json:"turn"`
}

// Registry tracks at most one active run per session.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*Handle
	logger   *slog.Logger
	maxTurns int
	timeout  time.Duration
}

// NewRegistry creates a registry. timeout is the whole-run watchdog
// budget; maxTurns is the auto-abort ceiling for turn updates.
func NewRegistry(timeout time.Duration, maxTurns int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:   make(map[string]*Handle),
		logger:   logger.With("component", "run_registry"),
		maxTurns: maxTurns,
		timeout:  timeout,
	}
}

// Register starts tracking a run for the session. It fails when the
// session already has an active run. The watchdog aborts and finishes
// the run when the budget elapses.
func (r *Registry) Register(sessionID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sessionID]; ok && existing.Status == StatusRunning {
		return nil, fmt.Errorf("session %s already has an active run %s", sessionID, existing.RunID)
	}

	h := &Handle{
		SessionID: sessionID,
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		steer:     make(chan string, 8),
	}
	r.active[sessionID] = h
	r.logger.Info("Run registered", "session_id", sessionID, "run_id", h.RunID)

	if r.timeout > 0 {
		go r.watchdog(h)
	}
	return h, nil
}

func (r *Registry) watchdog(h *Handle) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		r.finish(h.SessionID, h.RunID, StatusTimedOut, "run_timeout")
		r.logger.Warn("Run timed out by watchdog", "session_id", h.SessionID, "run_id", h.RunID)
	}
}

// Abort signals the run to stop and marks it aborted.
func (r *Registry) Abort(sessionID, reason string) bool {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok || h.Status != StatusRunning {
		return false
	}
	r.finish(sessionID, h.RunID, StatusAborted, reason)
	return true
}

// Complete ends a run normally (or with failure).
func (r *Registry) Complete(sessionID, status string) {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.finish(sessionID, h.RunID, status, "")
}

// finish transitions the run once; later callers with a stale run id
// are ignored.
func (r *Registry) finish(sessionID, runID, status, reason string) {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	if !ok || h.RunID != runID {
		r.mu.Unlock()
		return
	}
	if h.Status == StatusRunning {
		h.Status = status
		h.Reason = reason
	}
	r.mu.Unlock()

	h.abortOnce.Do(func() { close(h.abort) })
	h.doneOnce.Do(func() { close(h.done) })
}

// UpdateTurn records loop progress and aborts the run when it exceeds
// the turn ceiling.
func (r *Registry) UpdateTurn(sessionID string, turn int) {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	if ok {
		h.Turn = turn
	}
	r.mu.Unlock()
	if ok && r.maxTurns > 0 && turn > r.maxTurns {
		r.Abort(sessionID, "max_turns_reached")
	}
}

// Steer queues a steering message for the run. Returns false when no
// run is active or the inbox is full.
func (r *Registry) Steer(sessionID, text string) bool {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok || h.Status != StatusRunning {
		return false
	}
	select {
	case h.steer <- text:
		return true
	default:
		return false
	}
}

// DrainSteer returns all queued steering messages for the run.
func (r *Registry) DrainSteer(sessionID string) []string {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	var out []string
	for {
		select {
		case msg := <-h.steer:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Get returns the handle for the session's current run.
func (r *Registry) Get(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[sessionID]
	return h, ok
}

// IsAborted reports whether the session's run has been told to stop.
func (r *Registry) IsAborted(sessionID string) bool {
	h, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	select {
	case <-h.abort:
		return true
	default:
		return false
	}
}

// WaitForEnd blocks until the run ends or the timeout elapses.
func (r *Registry) WaitForEnd(sessionID string, timeout time.Duration) bool {
	h, ok := r.Get(sessionID)
	if !ok {
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// List returns a snapshot of every tracked run, ordered by start time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, Snapshot{
			SessionID: h.SessionID,
			RunID:     h.RunID,
			StartedAt: h.StartedAt,
			Status:    h.Status,
			Reason:    h.Reason,
			Turn:      h.Turn,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
