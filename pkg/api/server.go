// Package api exposes the agent runtime over HTTP: chat (plain and
// SSE-streamed), session history, run management, guardian approvals,
// background tasks, cron jobs, and the WebSocket event feed.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/agent"
	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/scheduler"
	"github.com/thebobhuff/Astromech-Agent/pkg/version"
)

// AgentRunner executes one agent run. *agent.Orchestrator satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, in agent.RunInput) (*models.AgentResponse, error)
}

// SessionStore is the session persistence surface the handlers need.
type SessionStore interface {
	Load(sessionID string) (*models.AgentSession, error)
	Save(sess *models.AgentSession) error
	Delete(sessionID string) error
	List() []string
}

// Server wires the runtime components into HTTP handlers.
type Server struct {
	runner     AgentRunner
	sessions   SessionStore
	laneQueue  *runs.LaneQueue
	runReg     *runs.Registry
	guard      *guardian.Guardian
	tasks      *scheduler.Store
	cron       *scheduler.CronManager
	heartbeat  *scheduler.Heartbeat
	hub        *events.Hub
	cfg        config.AgentConfig
	serverCfg  config.ServerConfig
	uploadsDir string
	logger     *slog.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	Runner     AgentRunner
	Sessions   SessionStore
	LaneQueue  *runs.LaneQueue
	RunReg     *runs.Registry
	Guard      *guardian.Guardian
	Tasks      *scheduler.Store
	Cron       *scheduler.CronManager
	Heartbeat  *scheduler.Heartbeat
	Hub        *events.Hub
	AgentCfg   config.AgentConfig
	ServerCfg  config.ServerConfig
	UploadsDir string
	Logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:     deps.Runner,
		sessions:   deps.Sessions,
		laneQueue:  deps.LaneQueue,
		runReg:     deps.RunReg,
		guard:      deps.Guard,
		tasks:      deps.Tasks,
		cron:       deps.Cron,
		heartbeat:  deps.Heartbeat,
		hub:        deps.Hub,
		cfg:        deps.AgentCfg,
		serverCfg:  deps.ServerCfg,
		uploadsDir: deps.UploadsDir,
		logger:     logger.With("component", "api"),
	}
}

// RegisterRoutes mounts all handlers on the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	agentGroup := e.Group("/api/v1/agent")
	agentGroup.POST("/chat", s.chatHandler)
	agentGroup.POST("/chat/stream", s.chatStreamHandler)
	agentGroup.GET("/history/:session_id", s.getHistoryHandler)
	agentGroup.DELETE("/history/:session_id", s.clearHistoryHandler)
	agentGroup.POST("/uploads", s.uploadHandler)
	agentGroup.GET("/uploads/:session_id", s.listUploadsHandler)
	agentGroup.POST("/approve/:action_id", s.approveActionHandler)
	agentGroup.POST("/reject/:action_id", s.rejectActionHandler)
	agentGroup.GET("/approvals", s.listApprovalsHandler)
	agentGroup.GET("/approvals/:action_id", s.getApprovalHandler)
	agentGroup.GET("/runs", s.listRunsHandler)
	agentGroup.GET("/runs/queue", s.runQueueHandler)
	agentGroup.POST("/runs/:session_id/abort", s.abortRunHandler)
	agentGroup.GET("/runs/:session_id/status", s.runStatusHandler)
	agentGroup.POST("/runs/:session_id/steer", s.steerRunHandler)

	taskGroup := e.Group("/api/v1/tasks")
	taskGroup.GET("", s.listTasksHandler)
	taskGroup.POST("", s.addTaskHandler)
	taskGroup.GET("/next-heartbeat-tasks", s.nextHeartbeatTasksHandler)
	taskGroup.GET("/history", s.taskHistoryHandler)
	taskGroup.GET("/heartbeat", s.heartbeatStatusHandler)
	taskGroup.GET("/cron", s.listCronJobsHandler)
	taskGroup.POST("/cron", s.createCronJobHandler)
	taskGroup.PUT("/cron/:job_id", s.updateCronJobHandler)
	taskGroup.DELETE("/cron/:job_id", s.deleteCronJobHandler)
	taskGroup.POST("/cron/:job_id/run-now", s.runCronJobNowHandler)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Full(),
	})
}
