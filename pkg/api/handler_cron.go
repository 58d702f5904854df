package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/scheduler"
)

// CronJobResponse is the public shape of one scheduled job.
type CronJobResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	CronExpression string  `json:"cron_expression"`
	TaskPrompt     string  `json:"task_prompt"`
	Enabled        bool    `json:"enabled"`
	NextRunAt      *string `json:"next_run_at"`
}

func (s *Server) cronJobResponse(job scheduler.ScheduledJob) CronJobResponse {
	resp := CronJobResponse{
		ID:             job.ID,
		Name:           job.Name,
		CronExpression: job.CronExpression,
		TaskPrompt:     job.TaskPrompt,
		Enabled:        job.Enabled,
	}
	if next := s.cron.NextRun(job.ID); next != nil {
		formatted := next.UTC().Format(time.RFC3339)
		resp.NextRunAt = &formatted
	}
	return resp
}

// listCronJobsHandler handles GET /api/v1/tasks/cron.
func (s *Server) listCronJobsHandler(c *echo.Context) error {
	jobs := s.cron.ListJobs()
	out := make([]CronJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.cronJobResponse(job))
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": out})
}

// CronJobRequest is the body for POST /api/v1/tasks/cron.
type CronJobRequest struct {
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	TaskPrompt     string `json:"task_prompt"`
}

func (s *Server) createCronJobHandler(c *echo.Context) error {
	var req CronJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.CronExpression == "" || req.TaskPrompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"name, cron_expression, and task_prompt are required")
	}

	jobID, err := s.cron.AddJob(req.Name, req.CronExpression, req.TaskPrompt)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, _ := s.cron.GetJob(jobID)
	s.logger.Info("Cron job created", "job_id", jobID, "name", job.Name)
	return c.JSON(http.StatusOK, s.cronJobResponse(job))
}

// CronJobUpdateRequest is the body for PUT /cron/:job_id; absent
// fields are left unchanged.
type CronJobUpdateRequest struct {
	Name           *string `json:"name"`
	CronExpression *string `json:"cron_expression"`
	TaskPrompt     *string `json:"task_prompt"`
	Enabled        *bool   `json:"enabled"`
}

func (s *Server) updateCronJobHandler(c *echo.Context) error {
	jobID := c.Param("job_id")
	var req CronJobUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := s.cron.UpdateJob(jobID, scheduler.JobUpdate{
		Name:           req.Name,
		CronExpression: req.CronExpression,
		TaskPrompt:     req.TaskPrompt,
		Enabled:        req.Enabled,
	})
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Scheduled job not found")
	case errors.Is(err, scheduler.ErrDuplicateJob):
		return echo.NewHTTPError(http.StatusConflict, scheduler.ErrDuplicateJob.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info("Cron job updated", "job_id", jobID)
	return c.JSON(http.StatusOK, s.cronJobResponse(job))
}

func (s *Server) deleteCronJobHandler(c *echo.Context) error {
	jobID := c.Param("job_id")
	if !s.cron.RemoveJob(jobID) {
		return echo.NewHTTPError(http.StatusNotFound, "Scheduled job not found")
	}
	s.logger.Info("Cron job deleted", "job_id", jobID)
	return c.JSON(http.StatusOK, map[string]any{
		"status": "deleted",
		"job_id": jobID,
	})
}

// runCronJobNowHandler handles POST /cron/:job_id/run-now: enqueue the
// job's task immediately, unless an identical one is already active.
func (s *Server) runCronJobNowHandler(c *echo.Context) error {
	jobID := c.Param("job_id")
	status, taskID, err := s.cron.RunNow(jobID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch status {
	case scheduler.EnqueueStatusNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "Scheduled job not found")
	case scheduler.EnqueueStatusSkippedActive:
		return c.JSON(http.StatusOK, map[string]any{
			"status": "skipped_active",
			"reason": "active_task_exists",
		})
	default:
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "enqueued",
			"task_id": taskID,
		})
	}
}
