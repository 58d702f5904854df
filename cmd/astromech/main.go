// Astromech agent server — exposes the chat, run, approval, task, and
// cron APIs and drives the background heartbeat and cron schedulers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	echo "github.com/labstack/echo/v5"

	"github.com/thebobhuff/Astromech-Agent/pkg/agent"
	"github.com/thebobhuff/Astromech-Agent/pkg/api"
	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/scheduler"
	"github.com/thebobhuff/Astromech-Agent/pkg/session"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
	"github.com/thebobhuff/Astromech-Agent/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	configPath := flag.String("config",
		getEnv("ASTROMECH_CONFIG", "config.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	logger := setupLogger()

	if err := godotenv.Load(); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting Astromech",
		"version", version.Full(), "port", cfg.Server.Port, "config", *configPath)

	// Storage tier.
	sessions := session.NewStore(cfg.Storage.SessionsDir, logger)
	memIndex := memory.NewIndex(cfg.Storage.MemoryDir, nil, logger)
	shortTerm := memory.NewShortTermStore(cfg.Storage.ShortTermDir, logger)
	relStore := memory.NewRelationshipStore(cfg.Storage.RelationshipFile, logger)

	taskStore, err := scheduler.Open(cfg.Storage.TasksDB, logger)
	if err != nil {
		logger.Error("Failed to open task store", "path", cfg.Storage.TasksDB, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := taskStore.Close(); err != nil {
			logger.Error("Error closing task store", "error", err)
		}
	}()

	// Model plumbing.
	catalogue := llm.NewCatalogue(cfg.LLM)
	metaRef := catalogue.MetaModel()
	metaModel, err := catalogue.New(metaRef.Provider, metaRef.ModelID)
	if err != nil {
		logger.Error("Failed to build meta model client",
			"provider", metaRef.Provider, "model", metaRef.ModelID, "error", err)
		os.Exit(1)
	}
	logger.Info("Meta model ready", "provider", metaRef.Provider, "model", metaRef.ModelID)

	// Agent pipeline.
	registry := tools.Default()
	registry.Register(&tools.SaveMemory{Writer: memIndex})

	guard := guardian.New(logger)
	runReg := runs.NewRegistry(
		time.Duration(cfg.Agent.RunTimeoutMS)*time.Millisecond, agent.MaxTurns, logger)
	laneQueue := runs.NewLaneQueue(cfg.Agent.MaxConcurrentRuns, logger)
	hub := events.NewHub(logger)

	toolRunner := agent.NewToolRunner(registry, guard,
		cfg.Agent.ToolTimeout(), cfg.Agent.ToolRetryAttempts, logger)
	executor := agent.NewExecutor(registry, toolRunner, agent.NewContextManager(0),
		catalogue, runReg, shortTerm, cfg.Agent, cfg.LLM, logger)
	planner := agent.NewPlanner(metaModel, catalogue, cfg.Agent, logger)
	orchestrator := agent.NewOrchestrator(planner, executor, guard, registry,
		memIndex, relStore, shortTerm, runReg, metaModel, cfg.Agent, logger)

	// Background work.
	cronManager, err := scheduler.NewCronManager(taskStore, logger)
	if err != nil {
		logger.Error("Failed to initialize cron manager", "error", err)
		os.Exit(1)
	}
	cronManager.RegisterMaintenance(memIndex, shortTerm)
	cronManager.Start()
	defer cronManager.Stop()

	heartbeat := scheduler.NewHeartbeat(taskStore, sessions,
		func() scheduler.Runner { return orchestrator },
		cfg.Heartbeat.Interval(), logger)
	heartbeat.Start(context.Background())
	defer heartbeat.Stop()

	// HTTP surface.
	server := api.NewServer(api.Deps{
		Runner:     orchestrator,
		Sessions:   sessions,
		LaneQueue:  laneQueue,
		RunReg:     runReg,
		Guard:      guard,
		Tasks:      taskStore,
		Cron:       cronManager,
		Heartbeat:  heartbeat,
		Hub:        hub,
		AgentCfg:   cfg.Agent,
		ServerCfg:  cfg.Server,
		UploadsDir: cfg.Storage.UploadsDir,
		Logger:     logger,
	})

	e := echo.New()
	server.RegisterRoutes(e)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
