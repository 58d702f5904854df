package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueEntryCancelled is returned by AcquireEntry when the entry was
// cancelled while waiting for admission.
var ErrQueueEntryCancelled = errors.New("queue entry cancelled")

// Lease is held for the duration of an admitted run.
type Lease struct {
	q      *LaneQueue
	entry  *laneEntry
	waited time.Duration
	once   sync.Once
}

// RunID identifies the queue entry this lease was admitted from.
func (l *Lease) RunID() string { return l.entry.runID }

// Waited is how long the caller sat in the queue before admission.
func (l *Lease) Waited() time.Duration { return l.waited }

// Release frees the global slot and the session lane. Safe to call
// more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		q := l.q
		q.mu.Lock()
		q.running--
		if q.activeBySession[l.entry.sessionID] == l.entry {
			delete(q.activeBySession, l.entry.sessionID)
		}
		delete(q.entries, l.entry.runID)
		q.mu.Unlock()
		q.cond.Broadcast()
	})
}

// laneEntry is the queue's internal record of one enqueued run.
type laneEntry struct {
	runID      string
	sessionID  string
	source     string
	enqueuedAt time.Time
	startedAt  *time.Time
	cancelled  bool
}

// QueueEntry is the externally visible view of one enqueued or running
// entry. Position is 1-based and only set for pending entries.
type QueueEntry struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	Source     string     `json:"source"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Position   int        `json:"position,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
}

func (e *laneEntry) view(position int) QueueEntry {
	return QueueEntry{
		RunID:      e.runID,
		SessionID:  e.sessionID,
		Source:     e.source,
		EnqueuedAt: e.enqueuedAt,
		StartedAt:  e.startedAt,
		Position:   position,
		Cancelled:  e.cancelled,
	}
}

// QueueState is the externally visible queue snapshot.
type QueueState struct {
	Running       int          `json:"running"`
	MaxConcurrent int          `json:"max_concurrent"`
	Active        []QueueEntry `json:"active"`
	Pending       []QueueEntry `json:"pending"`
}

// LaneQueue admits runs under a global concurrency limit with at most
// one admitted run per session. Pending entries are served in arrival
// order, except that an entry whose session lane is busy does not block
// later entries for free lanes. Entries may be cancelled while pending.
type LaneQueue struct {
	mu              sync.Mutex
	cond            *sync.Cond
	maxConcurrent   int
	running         int
	activeBySession map[string]*laneEntry
	pending         []*laneEntry
	entries         map[string]*laneEntry
	logger          *slog.Logger
	now             func() time.Time
}

// NewLaneQueue creates a queue with the given global limit.
func NewLaneQueue(maxConcurrent int, logger *slog.Logger) *LaneQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &LaneQueue{
		maxConcurrent:   maxConcurrent,
		activeBySession: make(map[string]*laneEntry),
		entries:         make(map[string]*laneEntry),
		logger:          logger.With("component", "run_lane_queue"),
		now:             time.Now,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue registers a request for a run lane and returns its entry.
// The entry's run id is the handle for AcquireEntry and Cancel.
func (q *LaneQueue) Enqueue(sessionID, source string) QueueEntry {
	if source == "" {
		source = "api"
	}
	q.mu.Lock()
	e := &laneEntry{
		runID:      uuid.NewString(),
		sessionID:  sessionID,
		source:     source,
		enqueuedAt: q.now(),
	}
	q.pending = append(q.pending, e)
	q.entries[e.runID] = e
	view := e.view(len(q.pending))
	q.mu.Unlock()
	q.cond.Broadcast()
	return view
}

// Cancel marks the entry cancelled. A pending entry is removed from the
// queue and its AcquireEntry call returns ErrQueueEntryCancelled; an
// already-admitted entry stays active but is flagged. Returns false for
// unknown run ids.
func (q *LaneQueue) Cancel(runID string) bool {
	q.mu.Lock()
	e, ok := q.entries[runID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	e.cancelled = true
	wasPending := e.startedAt == nil
	if wasPending {
		q.removePending(e)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	q.logger.Info("Queue entry cancelled",
		"run_id", runID, "session_id", e.sessionID, "was_pending", wasPending)
	return true
}

// admissible reports whether e may run right now: a free global slot,
// a free session lane, and no earlier pending entry with a free lane
// ahead of it.
func (q *LaneQueue) admissible(e *laneEntry) bool {
	if q.running >= q.maxConcurrent || q.activeBySession[e.sessionID] != nil {
		return false
	}
	for _, other := range q.pending {
		if other == e {
			return true
		}
		if q.activeBySession[other.sessionID] == nil {
			return false
		}
	}
	return false
}

func (q *LaneQueue) removePending(e *laneEntry) {
	for i, other := range q.pending {
		if other == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// AcquireEntry blocks until the enqueued entry may run, the entry is
// cancelled, or ctx expires. The returned lease must be released when
// the run ends.
func (q *LaneQueue) AcquireEntry(ctx context.Context, runID string) (*Lease, error) {
	q.mu.Lock()
	e, ok := q.entries[runID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("unknown queue entry %q", runID)
	}

	// sync.Cond has no context support; a helper goroutine turns
	// cancellation into a wakeup, and the loop re-checks ctx.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		if e.cancelled {
			q.removePending(e)
			delete(q.entries, e.runID)
			q.mu.Unlock()
			return nil, ErrQueueEntryCancelled
		}
		if ctx.Err() != nil {
			q.removePending(e)
			delete(q.entries, e.runID)
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		if q.admissible(e) {
			break
		}
		q.cond.Wait()
	}

	q.removePending(e)
	q.running++
	started := q.now()
	e.startedAt = &started
	q.activeBySession[e.sessionID] = e
	waited := started.Sub(e.enqueuedAt)
	q.mu.Unlock()

	if waited > time.Second {
		q.logger.Info("Run admitted after queue wait",
			"run_id", e.runID, "session_id", e.sessionID, "wait_seconds", waited.Seconds())
	}
	return &Lease{q: q, entry: e, waited: waited}, nil
}

// Acquire enqueues the session and blocks until it may run or ctx
// expires. Convenience over Enqueue + AcquireEntry for callers that do
// not need the entry handle.
func (q *LaneQueue) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	entry := q.Enqueue(sessionID, "api")
	return q.AcquireEntry(ctx, entry.RunID)
}

// Snapshot returns the current queue state: the admitted entries and
// the pending entries in queue order.
func (q *LaneQueue) Snapshot() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := QueueState{
		Running:       q.running,
		MaxConcurrent: q.maxConcurrent,
		Active:        make([]QueueEntry, 0, len(q.activeBySession)),
		Pending:       make([]QueueEntry, 0, len(q.pending)),
	}
	for _, e := range q.activeBySession {
		state.Active = append(state.Active, e.view(0))
	}
	sort.Slice(state.Active, func(i, j int) bool {
		a, b := state.Active[i], state.Active[j]
		if a.StartedAt != nil && b.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt) {
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.RunID < b.RunID
	})
	for i, e := range q.pending {
		state.Pending = append(state.Pending, e.view(i+1))
	}
	return state
}

// SessionQueueStatus returns the session's queue position (1-based)
// and the total queue depth. ok is false when the session is not
// waiting.
func (q *LaneQueue) SessionQueueStatus(sessionID string) (position, depth int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth = len(q.pending)
	for i, e := range q.pending {
		if e.sessionID == sessionID {
			return i + 1, depth, true
		}
	}
	return 0, depth, false
}
