package testsupport

import (
	"path/filepath"
	"testing"

	"scenarioforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.HistoryDir = filepath.Join(base, "history")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Server.Bind = "127.0.0.1:0"
	cfg.LLM.APIKey = "test"
	cfg.Queue.SweepIntervalSeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

// WithToken sets the API bearer token on the test config.
func WithToken(token string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Server.Token = token
	}
}

// WithMaxConcurrent overrides the worker limit on the test config.
func WithMaxConcurrent(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.MaxConcurrent = n
	}
}
