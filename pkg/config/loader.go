package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates the runtime configuration.
//
// Steps performed:
//  1. Load .env (if present) into the process environment
//  2. Read the YAML config file (missing file means defaults only)
//  3. Expand environment variables in the YAML content
//  4. Merge user values over built-in defaults
//  5. Apply AGENT_* environment overrides
//  6. Validate
func Initialize(configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)

	// 1. Optional .env; ignore absence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("No .env file loaded", "error", err)
	}

	cfg := defaultConfig()

	// 2-3. User YAML, env-expanded.
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("Config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			var user Config
			if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// 4. User values override defaults.
			if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	// 5. Environment envelope wins over everything.
	applyEnvOverrides(&cfg)

	// 6. Validate.
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"default_provider", cfg.LLM.DefaultProvider,
		"active_models", len(cfg.LLM.ActiveModels),
		"max_concurrent_runs", cfg.Agent.MaxConcurrentRuns)
	return &cfg, nil
}

// applyEnvOverrides maps the documented AGENT_* switches onto the config.
func applyEnvOverrides(cfg *Config) {
	envInt(&cfg.Agent.RunTimeoutMS, "AGENT_RUN_TIMEOUT_MS")
	envInt(&cfg.Agent.LLMTimeoutSeconds, "AGENT_LLM_TIMEOUT_SECONDS")
	envInt(&cfg.Agent.ToolTimeoutSeconds, "AGENT_TOOL_TIMEOUT_SECONDS")
	envInt(&cfg.Agent.ToolRetryAttempts, "AGENT_TOOL_RETRY_ATTEMPTS")
	envInt(&cfg.Agent.ExecutionMaxAttempts, "AGENT_EXECUTION_MAX_ATTEMPTS")
	envBool(&cfg.Agent.RequirePlanApproval, "AGENT_REQUIRE_PLAN_APPROVAL")
	envInt(&cfg.Agent.MaxConcurrentRuns, "AGENT_MAX_CONCURRENT_RUNS")
	envInt(&cfg.Agent.QueueWaitTimeoutSeconds, "AGENT_QUEUE_WAIT_TIMEOUT_SECONDS")
	envStr(&cfg.LLM.DefaultProvider, "DEFAULT_LLM_PROVIDER")
	envInt(&cfg.Heartbeat.IntervalSeconds, "HEARTBEAT_INTERVAL_SECONDS")
}

func envInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		} else {
			slog.Warn("Ignoring non-integer env override", "key", key, "value", raw)
		}
	}
}

func envBool(dst *bool, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		} else {
			slog.Warn("Ignoring non-boolean env override", "key", key, "value", raw)
		}
	}
}

func envStr(dst *string, key string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw
	}
}
