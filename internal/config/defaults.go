package config

// Default returns the built-in configuration applied before any file is read.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    "~/.local/share/scenarioforge/data",
			HistoryDir: "~/.local/share/scenarioforge/history",
			LogDir:     "~/.local/share/scenarioforge/logs",
		},
		Server: Server{
			Bind: "127.0.0.1:7333",
		},
		Queue: Queue{
			MaxConcurrent:        2,
			StageRetryLimit:      2,
			ActiveRetentionHours: 24,
			SweepIntervalSeconds: 300,
			OrphanGraceMinutes:   10,
		},
		Limits: Limits{
			MaxUploadBytes:    100 << 20,
			MaxJobsPerOwner:   10,
			MaxOwnerDiskBytes: 1 << 30,
		},
		Retention: Retention{
			HistoryDays: 90,
		},
		LLM: LLM{
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "anthropic/claude-sonnet-4.5",
			TimeoutSeconds:    120,
			RequestsPerSecond: 1,
		},
		Pipeline: Pipeline{
			DefaultVariant:     "standard",
			AnalyzeImages:      true,
			CorrelateDocuments: false,
			SecondsPerPage:     30,
			BytesPerPage:       50 * 1024,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
		Notifications: Notifications{
			TimeoutSeconds: 10,
		},
	}
}
