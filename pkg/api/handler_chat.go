package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/agent"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/format"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
)

// sseKeepaliveInterval is how long the stream may stay silent before a
// keepalive event is sent.
const sseKeepaliveInterval = 120 * time.Second

const queueTimeoutMessage = "Run queue wait timeout exceeded. " +
	"Try again, cancel active runs, or increase AGENT_QUEUE_WAIT_TIMEOUT_SECONDS."

// ChatRequest is the body for POST /chat and POST /chat/stream.
type ChatRequest struct {
	Prompt    string   `json:"prompt"`
	SessionID string   `json:"session_id"`
	Images    []string `json:"images,omitempty"`
	Model     string   `json:"model,omitempty"`
	Channel   string   `json:"channel"`
}

// ChatResponse is the body for POST /chat.
type ChatResponse struct {
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata"`
	SessionID string         `json:"session_id"`
}

func (r *ChatRequest) normalize() (sessionID, channel string) {
	sessionID = r.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	return sessionID, format.NormalizeSourceChannel(r.Channel, sessionID)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

// chatHandler handles POST /api/v1/agent/chat: acquire a run lane, run
// the agent, persist the session, and return the channel-formatted
// response. Agent failures still produce a 200 with an apology body so
// chat clients always have something to render.
func (s *Server) chatHandler(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	sessionID, channel := req.normalize()

	entry := s.laneQueue.Enqueue(sessionID, "chat")
	waitCtx, cancelWait := context.WithTimeout(c.Request().Context(), s.cfg.QueueWaitTimeout())
	defer cancelWait()
	lease, err := s.laneQueue.AcquireEntry(waitCtx, entry.RunID)
	if err != nil {
		if errors.Is(err, runs.ErrQueueEntryCancelled) {
			return echo.NewHTTPError(http.StatusConflict, "Queued run was cancelled.")
		}
		return echo.NewHTTPError(http.StatusTooManyRequests, queueTimeoutMessage)
	}
	defer lease.Release()
	queueWait := roundSeconds(lease.Waited())

	s.logger.Info("Chat request received", "session_id", sessionID, "channel", channel)

	sess, err := s.sessions.Load(sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.runner.Run(c.Request().Context(), agent.RunInput{
		Prompt:           req.Prompt,
		Session:          sess,
		Images:           req.Images,
		ModelOverride:    req.Model,
		SourceChannel:    channel,
		QueueWaitSeconds: queueWait,
	})
	if err != nil {
		s.logger.Error("Chat request failed", "session_id", sessionID, "error", err)
		return c.JSON(http.StatusOK, &ChatResponse{
			Response: format.FormatForChannel(
				fmt.Sprintf("I apologize, but I encountered a system error: %v", err), channel),
			Metadata:  map[string]any{"error": err.Error(), "status": "error", "channel": channel},
			SessionID: sessionID,
		})
	}

	if result.Session != nil {
		if err := s.sessions.Save(result.Session); err != nil {
			s.logger.Error("Failed to save session", "session_id", sessionID, "error", err)
		}
	}

	metadata := make(map[string]any, len(result.Metadata)+2)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	metadata["channel"] = channel
	metadata["queue_wait_seconds"] = queueWait

	return c.JSON(http.StatusOK, &ChatResponse{
		Response:  format.FormatForChannel(result.Response, channel),
		Metadata:  metadata,
		SessionID: sessionID,
	})
}

// chatStreamHandler handles POST /api/v1/agent/chat/stream. It renders
// the run's progress as server-sent events: phase, intent, tool_start,
// tool_done, response_chunk, complete, error, plus keepalives when the
// stream goes quiet.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	sessionID, channel := req.normalize()
	s.logger.Info("Streaming chat request received", "session_id", sessionID, "channel", channel)

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	eventCh := make(chan events.Event, 64)
	done := make(chan struct{})
	go s.runStreamed(ctx, req, sessionID, channel, eventCh, done)

	keepalive := time.NewTimer(sseKeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-keepalive.C:
			if err := writeSSE(c, events.TypeKeepalive, map[string]any{}); err != nil {
				return nil
			}
			keepalive.Reset(sseKeepaliveInterval)
		case ev := <-eventCh:
			if ev.Type == events.TypeComplete {
				s.writeCompleteEvents(c, ev, channel)
			} else if err := writeSSE(c, ev.Type, eventPayload(ev)); err != nil {
				return nil
			}
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(sseKeepaliveInterval)
		}
	}
}

// runStreamed acquires a lane and drives the agent, forwarding its
// events into eventCh. Queue progress is surfaced as queued /
// queued_done phases before the run's own events begin.
func (s *Server) runStreamed(ctx context.Context, req ChatRequest, sessionID, channel string, eventCh chan<- events.Event, done chan<- struct{}) {
	defer close(done)
	emit := func(ev events.Event) {
		select {
		case eventCh <- ev:
		case <-ctx.Done():
		}
	}

	entry := s.laneQueue.Enqueue(sessionID, "chat_stream")
	snap := s.laneQueue.Snapshot()
	if snap.Running >= snap.MaxConcurrent {
		emit(events.Event{
			Type: events.TypePhase, SessionID: sessionID,
			Phase: events.PhaseQueued, Message: "Waiting for run lane...",
			Data: map[string]any{
				"position":    max(entry.Position, 1),
				"queue_depth": len(snap.Pending),
			},
		})
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.QueueWaitTimeout())
	defer cancelWait()
	lease, err := s.laneQueue.AcquireEntry(waitCtx, entry.RunID)
	if err != nil {
		msg := queueTimeoutMessage
		if errors.Is(err, runs.ErrQueueEntryCancelled) {
			msg = "Queued run was cancelled."
		}
		emit(events.Event{Type: events.TypeError, SessionID: sessionID, Message: msg})
		return
	}
	defer lease.Release()
	queueWait := roundSeconds(lease.Waited())

	emit(events.Event{
		Type: events.TypePhase, SessionID: sessionID,
		Phase: events.PhaseQueuedDone, Message: "Run lane acquired.",
		Data: map[string]any{"wait_seconds": queueWait},
	})

	sess, err := s.sessions.Load(sessionID)
	if err != nil {
		emit(events.Event{Type: events.TypeError, SessionID: sessionID, Message: err.Error()})
		return
	}

	result, err := s.runner.Run(ctx, agent.RunInput{
		Prompt:           req.Prompt,
		Session:          sess,
		Images:           req.Images,
		ModelOverride:    req.Model,
		Emit:             emit,
		SourceChannel:    channel,
		QueueWaitSeconds: queueWait,
	})
	if err != nil {
		s.logger.Error("Streaming chat request failed", "session_id", sessionID, "error", err)
		emit(events.Event{Type: events.TypeError, SessionID: sessionID, Message: err.Error()})
		return
	}
	if result.Session != nil {
		if err := s.sessions.Save(result.Session); err != nil {
			s.logger.Error("Failed to save session", "session_id", sessionID, "error", err)
		}
	}
}

// writeCompleteEvents formats the final response for the channel,
// streams it as response_chunk events, then sends the complete event.
func (s *Server) writeCompleteEvents(c *echo.Context, ev events.Event, channel string) {
	data := eventPayload(ev)
	response, _ := data["response"].(string)
	formatted := format.FormatForChannel(response, channel)
	data["response"] = formatted

	metadata, _ := data["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["channel"] = channel
	data["metadata"] = metadata

	for _, chunk := range format.SplitForChannel(formatted, channel) {
		if err := writeSSE(c, events.TypeResponseChunk, map[string]any{"text": chunk}); err != nil {
			return
		}
	}
	_ = writeSSE(c, events.TypeComplete, data)
}

// eventPayload flattens an event into the SSE data object.
func eventPayload(ev events.Event) map[string]any {
	data := make(map[string]any, len(ev.Data)+4)
	for k, v := range ev.Data {
		data[k] = v
	}
	if ev.Phase != "" {
		data["phase"] = ev.Phase
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	if ev.Tool != "" {
		data["tool"] = ev.Tool
	}
	if ev.Preview != "" {
		data["preview"] = ev.Preview
	}
	return data
}

func writeSSE(c *echo.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if f, ok := c.Response().(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
