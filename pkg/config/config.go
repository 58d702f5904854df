package config

import (
	"fmt"
	"time"
)

// Config is the fully-loaded runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Storage   StorageConfig   `yaml:"storage"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// AgentConfig is the execution-safety envelope for agent runs.
type AgentConfig struct {
	RunTimeoutMS            int  `yaml:"run_timeout_ms"`
	LLMTimeoutSeconds       int  `yaml:"llm_timeout_seconds"`
	ToolTimeoutSeconds      int  `yaml:"tool_timeout_seconds"`
	ToolRetryAttempts       int  `yaml:"tool_retry_attempts"`
	ExecutionMaxAttempts    int  `yaml:"execution_max_attempts"`
	RequirePlanApproval     bool `yaml:"require_plan_approval"`
	MaxConcurrentRuns       int  `yaml:"max_concurrent_runs"`
	QueueWaitTimeoutSeconds int  `yaml:"queue_wait_timeout_seconds"`
}

// LLMTimeout returns the configured per-invocation LLM timeout.
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// ToolTimeout returns the configured per-tool-call timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// QueueWaitTimeout returns the max time a request may wait for a run lane.
func (a AgentConfig) QueueWaitTimeout() time.Duration {
	return time.Duration(a.QueueWaitTimeoutSeconds) * time.Second
}

// ModelRef names one active model candidate, optionally with an alias
// ("default", "smart") used by the failover chain ordering.
type ModelRef struct {
	Provider string `yaml:"provider"`
	ModelID  string `yaml:"model_id"`
	Alias    string `yaml:"alias,omitempty"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Type         string `yaml:"type"` // "openai" | "anthropic"
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`
	Enabled      *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LLMConfig holds provider endpoints and the active model list.
type LLMConfig struct {
	DefaultProvider                 string                    `yaml:"default_provider"`
	Providers                       map[string]ProviderConfig `yaml:"providers"`
	ActiveModels                    []ModelRef                `yaml:"active_models"`
	MetaModel                       ModelRef                  `yaml:"meta_model"`
	LastResortProviders             []string                  `yaml:"last_resort_providers"`
	ToolUnfriendlyFailoverProviders []string                  `yaml:"tool_unfriendly_failover_providers"`
}

// StorageConfig holds filesystem and database locations.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	SessionsDir      string `yaml:"sessions_dir"`
	MemoryDir        string `yaml:"memory_dir"`
	ShortTermDir     string `yaml:"short_term_dir"`
	RelationshipFile string `yaml:"relationship_file"`
	UploadsDir       string `yaml:"uploads_dir"`
	TasksDB          string `yaml:"tasks_db"`
}

// HeartbeatConfig controls the background task heartbeat.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the heartbeat tick interval.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// validate rejects configurations the runtime cannot operate with.
func validate(cfg *Config) error {
	if cfg.Agent.MaxConcurrentRuns < 1 {
		return fmt.Errorf("agent.max_concurrent_runs must be >= 1, got %d", cfg.Agent.MaxConcurrentRuns)
	}
	if cfg.Agent.ExecutionMaxAttempts < 1 {
		return fmt.Errorf("agent.execution_max_attempts must be >= 1, got %d", cfg.Agent.ExecutionMaxAttempts)
	}
	if cfg.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider must be set")
	}
	for name, p := range cfg.LLM.Providers {
		if p.Type != "openai" && p.Type != "anthropic" {
			return fmt.Errorf("llm provider %q: unknown type %q", name, p.Type)
		}
	}
	for _, m := range cfg.LLM.ActiveModels {
		if m.Provider == "" || m.ModelID == "" {
			return fmt.Errorf("active model entries need both provider and model_id")
		}
	}
	return nil
}
