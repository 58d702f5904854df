// Package events defines the typed progress events emitted while a run
// executes, and the hub that fans them out to WebSocket subscribers.
//
// Emission is best-effort by contract: a panicking or slow consumer
// must never fail the agent pipeline, so all delivery goes through
// Emit, which recovers panics, and the hub drops the oldest buffered
// event when a subscriber falls behind.
package events

import (
	"log/slog"
	"time"
)

// Event types seen on /chat/stream and /ws.
const (
	TypePhase         = "phase"
	TypeIntent        = "intent"
	TypeToolStart     = "tool_start"
	TypeToolDone      = "tool_done"
	TypeResponseChunk = "response_chunk"
	TypeComplete      = "complete"
	TypeError         = "error"
	TypeKeepalive     = "keepalive"
)

// Run phases, in the order the orchestrator reaches them.
const (
	PhaseQueued     = "queued"
	PhaseQueuedDone = "queued_done"
	PhaseEvaluating = "evaluating"
	PhaseMemory     = "memory"
	PhaseRouting    = "routing"
	PhaseApproval   = "approval"
	PhaseExecuting  = "executing"
	PhaseRecovery   = "recovery"
	PhaseComplete   = "complete"
)

// Event is one progress notification for a session's run.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Preview   string         `json:"preview,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Emitter receives events for one run. Implementations must be fast;
// slow consumers should buffer on their side.
type Emitter func(Event)

// Emit delivers an event through fn, stamping the timestamp and
// swallowing panics. A nil emitter is a no-op.
func Emit(fn Emitter, ev Event) {
	if fn == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Event emitter panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Phase is shorthand for emitting a phase transition.
func Phase(fn Emitter, sessionID, phase, message string) {
	Emit(fn, Event{Type: TypePhase, SessionID: sessionID, Phase: phase, Message: message})
}

// Error is shorthand for emitting a terminal error.
func Error(fn Emitter, sessionID, message string) {
	Emit(fn, Event{Type: TypeError, SessionID: sessionID, Message: message})
}
