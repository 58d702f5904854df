package api

import (
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/agent"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
)

// abortRunHandler handles POST /runs/:session_id/abort. The optional
// reason query parameter is recorded on the handle and surfaced in
// later status reads.
func (s *Server) abortRunHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "user_cancelled"
	}
	if !s.runReg.Abort(sessionID, reason) {
		return echo.NewHTTPError(http.StatusNotFound,
			fmt.Sprintf("No active run found for session '%s'.", sessionID))
	}
	s.logger.Info("Run aborted", "session_id", sessionID, "reason", reason)
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "aborted",
		"session_id": sessionID,
		"reason":     reason,
	})
}

// runStatusHandler handles GET /runs/:session_id/status. A session is
// running, queued for a lane, or idle.
func (s *Server) runStatusHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")

	if handle, ok := s.runReg.Get(sessionID); ok {
		return c.JSON(http.StatusOK, map[string]any{
			"status":        handle.Status,
			"session_id":    sessionID,
			"current_turn":  handle.Turn,
			"max_turns":     agent.MaxTurns,
			"started_at":    handle.StartedAt.UTC().Format(time.RFC3339),
			"cancel_reason": handle.Reason,
		})
	}

	if position, depth, ok := s.laneQueue.SessionQueueStatus(sessionID); ok {
		return c.JSON(http.StatusOK, map[string]any{
			"status":         "queued",
			"session_id":     sessionID,
			"queue_position": position,
			"queue_depth":    depth,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":     "idle",
		"session_id": sessionID,
	})
}

// listRunsHandler handles GET /runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	list := s.runReg.List()
	if list == nil {
		list = []runs.Snapshot{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": list})
}

// runQueueHandler handles GET /runs/queue.
func (s *Server) runQueueHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.laneQueue.Snapshot())
}

// SteerRequest is the body for POST /runs/:session_id/steer.
type SteerRequest struct {
	Message string `json:"message"`
}

// steerRunHandler handles POST /runs/:session_id/steer: inject a user
// message into an in-flight run between turns.
func (s *Server) steerRunHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	var req SteerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	handle, ok := s.runReg.Get(sessionID)
	if !ok || handle.Status != runs.StatusRunning || !s.runReg.Steer(sessionID, req.Message) {
		return echo.NewHTTPError(http.StatusNotFound,
			fmt.Sprintf("No active run found for session '%s'.", sessionID))
	}
	s.logger.Info("Run steered", "session_id", sessionID)
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "steered",
		"session_id": sessionID,
		"message":    req.Message,
	})
}
