package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/scheduler"
)

// listTasksHandler handles GET /api/v1/tasks. Stale and duplicated
// in-progress tasks are reconciled first so the listing reflects
// reality rather than crashed runs.
func (s *Server) listTasksHandler(c *echo.Context) error {
	if _, err := s.tasks.ReconcileStaleInProgress(scheduler.StaleInProgressTimeout); err != nil {
		s.logger.Error("Stale task reconcile failed", "error", err)
	}
	if _, err := s.tasks.ReconcileDuplicateScheduledActive(); err != nil {
		s.logger.Error("Duplicate task reconcile failed", "error", err)
	}

	tasks, err := s.tasks.ListTasks("")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": publicTasks(tasks)})
}

// AddTaskRequest is the body for POST /api/v1/tasks.
type AddTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

func (s *Server) addTaskHandler(c *echo.Context) error {
	var req AddTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	if req.Priority == 0 {
		req.Priority = 3
	}

	task, err := s.tasks.AddTask(req.Title, req.Description, req.Priority)
	if errors.Is(err, scheduler.ErrMalformedPlanMeta) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info("Task added", "task_id", task.ID, "title", task.Title)
	return c.JSON(http.StatusOK, task.Public())
}

// nextHeartbeatTasksHandler handles GET /next-heartbeat-tasks: a peek
// at the pending queue in the order the heartbeat will consider it.
// Dependency gating is not applied here; blocked steps still show.
func (s *Server) nextHeartbeatTasksHandler(c *echo.Context) error {
	limit := 5
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}
	limit = min(max(limit, 1), 50)

	pending, err := s.tasks.ListTasks(scheduler.StatusPending)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": publicTasks(pending)})
}

// taskHistoryHandler handles GET /api/v1/tasks/history, splitting
// completed work into cron runs and regular heartbeat completions.
func (s *Server) taskHistoryHandler(c *echo.Context) error {
	completed, err := s.tasks.ListTasks(scheduler.StatusCompleted)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	cronRuns := []scheduler.Task{}
	heartbeatCompleted := []scheduler.Task{}
	for _, task := range completed {
		if task.IsScheduled() {
			cronRuns = append(cronRuns, task.Public())
		} else {
			heartbeatCompleted = append(heartbeatCompleted, task.Public())
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"cron_runs":           cronRuns,
		"heartbeat_completed": heartbeatCompleted,
	})
}

// heartbeatStatusHandler handles GET /api/v1/tasks/heartbeat.
func (s *Server) heartbeatStatusHandler(c *echo.Context) error {
	if s.heartbeat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Heartbeat is not running.")
	}
	return c.JSON(http.StatusOK, s.heartbeat.Status())
}

func publicTasks(tasks []scheduler.Task) []scheduler.Task {
	out := make([]scheduler.Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Public())
	}
	return out
}
