package config

// defaultConfig carries the built-in values merged under any user
// configuration. The agent envelope mirrors the documented env switches.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: 13579,
		},
		Agent: AgentConfig{
			RunTimeoutMS:            180000,
			LLMTimeoutSeconds:       90,
			ToolTimeoutSeconds:      120,
			ToolRetryAttempts:       3,
			ExecutionMaxAttempts:    4,
			RequirePlanApproval:     false,
			MaxConcurrentRuns:       2,
			QueueWaitTimeoutSeconds: 300,
		},
		LLM: LLMConfig{
			DefaultProvider:                 "openrouter",
			LastResortProviders:             []string{"ollama"},
			ToolUnfriendlyFailoverProviders: []string{"nvidia"},
			Providers: map[string]ProviderConfig{
				"openai": {
					Type:         "openai",
					APIKeyEnv:    "OPENAI_API_KEY",
					DefaultModel: "gpt-4o",
				},
				"anthropic": {
					Type:         "anthropic",
					APIKeyEnv:    "ANTHROPIC_API_KEY",
					DefaultModel: "claude-sonnet-4-20250514",
				},
				"gemini": {
					Type:         "openai",
					APIKeyEnv:    "GOOGLE_API_KEY",
					BaseURL:      "https://generativelanguage.googleapis.com/v1beta/openai/",
					DefaultModel: "gemini-2.0-flash",
				},
				"openrouter": {
					Type:         "openai",
					APIKeyEnv:    "OPENROUTER_API_KEY",
					BaseURL:      "https://openrouter.ai/api/v1",
					DefaultModel: "openrouter/auto",
				},
				"deepseek": {
					Type:         "openai",
					APIKeyEnv:    "DEEPSEEK_API_KEY",
					BaseURL:      "https://api.deepseek.com/v1",
					DefaultModel: "deepseek-chat",
				},
				"kimi": {
					Type:         "openai",
					APIKeyEnv:    "KIMI_API_KEY",
					BaseURL:      "https://api.moonshot.cn/v1",
					DefaultModel: "moonshot-v1-auto",
				},
				"nvidia": {
					Type:         "openai",
					APIKeyEnv:    "NVIDIA_API_KEY",
					BaseURL:      "https://integrate.api.nvidia.com/v1",
					DefaultModel: "moonshotai/kimi-k2.5",
				},
				"ollama": {
					Type:         "openai",
					BaseURL:      "http://localhost:11434/v1",
					DefaultModel: "llama3",
				},
			},
		},
		Storage: StorageConfig{
			DataDir:          "data",
			SessionsDir:      "data/sessions",
			MemoryDir:        "data/memories",
			ShortTermDir:     "data/memories/short_term",
			RelationshipFile: "data/memories/relationship/default_user.json",
			UploadsDir:       "data/uploads",
			TasksDB:          "data/tasks.db",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 1800,
		},
	}
}
