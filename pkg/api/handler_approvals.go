package api

import (
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/scheduler"
)

// ApprovalActionResponse is the public shape of a guardian action.
type ApprovalActionResponse struct {
	ActionID   string         `json:"action_id"`
	ActionType string         `json:"action_type"`
	Status     string         `json:"status"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
	CreatedAt  string         `json:"created_at"`
}

func approvalResponse(action guardian.Action) ApprovalActionResponse {
	return ApprovalActionResponse{
		ActionID:   action.ID,
		ActionType: action.ActionType,
		Status:     string(action.Status),
		ToolName:   action.ToolName,
		ToolArgs:   action.ToolArgs,
		CreatedAt:  action.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// approveActionHandler handles POST /approve/:action_id. Approving a
// plan approval fans the plan's steps out into scheduled tasks; other
// action types simply flip to approved and wait for the agent to
// retry the blocked call.
func (s *Server) approveActionHandler(c *echo.Context) error {
	actionID := c.Param("action_id")
	if !s.guard.Approve(actionID) {
		return echo.NewHTTPError(http.StatusNotFound, "Action ID not found or invalid.")
	}

	action, ok := s.guard.Get(actionID)
	if !ok || action.ActionType != guardian.ActionTypePlanApproval {
		s.logger.Info("Action approved", "action_id", actionID)
		return c.JSON(http.StatusOK, map[string]any{
			"status":    "approved",
			"action_id": actionID,
		})
	}

	created, err := s.enqueuePlanTasks(action)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.guard.Consume(actionID)
	s.logger.Info("Plan approved and enqueued", "action_id", actionID, "tasks", len(created))

	return c.JSON(http.StatusOK, map[string]any{
		"status":        "approved_and_enqueued",
		"action_id":     actionID,
		"tasks_created": created,
	})
}

// enqueuePlanTasks turns each step of an approved plan into one task,
// carrying the plan linkage in the task description metadata so the
// heartbeat can honor step dependencies.
func (s *Server) enqueuePlanTasks(action guardian.Action) ([]map[string]any, error) {
	plan, _ := action.ToolArgs["plan"].(models.ExecutionPlan)
	goal, _ := action.ToolArgs["goal"].(string)

	planName := plan.Name
	if planName == "" {
		planName = "Execution Plan"
	}

	created := make([]map[string]any, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		stepTitle := step.Title
		if stepTitle == "" {
			stepID := step.ID
			if stepID == "" {
				stepID = "unknown"
			}
			stepTitle = "Plan step " + stepID
		}
		title := fmt.Sprintf("[Plan] %s: %s", planName, stepTitle)

		priority := step.Priority
		if priority == 0 {
			priority = 3
		}
		priority = min(max(priority, 1), 5)

		dependsOn := step.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		meta := map[string]any{
			"plan_action_id": action.ID,
			"step_id":        step.ID,
			"depends_on":     dependsOn,
			"parallelizable": step.Parallelizable,
			"goal":           goal,
		}

		task, err := s.tasks.AddTask(title, scheduler.EncodePlanDescription(step.Description, meta), priority)
		if err != nil {
			return nil, err
		}
		created = append(created, map[string]any{
			"task_id":        task.ID,
			"title":          title,
			"step_id":        step.ID,
			"depends_on":     dependsOn,
			"parallelizable": step.Parallelizable,
			"priority":       priority,
		})
	}
	return created, nil
}

// rejectActionHandler handles POST /reject/:action_id.
func (s *Server) rejectActionHandler(c *echo.Context) error {
	actionID := c.Param("action_id")
	if !s.guard.Reject(actionID) {
		return echo.NewHTTPError(http.StatusNotFound, "Action ID not found.")
	}
	s.logger.Info("Action rejected", "action_id", actionID)
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "rejected",
		"action_id": actionID,
	})
}

// listApprovalsHandler handles GET /approvals?action_type=.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	pending := s.guard.ListPending(c.QueryParam("action_type"))
	out := make([]ApprovalActionResponse, 0, len(pending))
	for _, action := range pending {
		out = append(out, approvalResponse(action))
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": out})
}

// getApprovalHandler handles GET /approvals/:action_id.
func (s *Server) getApprovalHandler(c *echo.Context) error {
	action, ok := s.guard.Get(c.Param("action_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Action ID not found.")
	}
	return c.JSON(http.StatusOK, approvalResponse(action))
}
