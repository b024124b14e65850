package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// Validate checks configuration values and returns an error describing the
// first problem found.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Paths.HistoryDir == "" {
		return fmt.Errorf("paths.history_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be absolute, got %q", c.Paths.DataDir)
	}

	if c.Server.Bind != "" {
		if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
			return fmt.Errorf("server.bind must be host:port, got %q: %w", c.Server.Bind, err)
		}
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be at least 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.StageRetryLimit < 0 {
		return fmt.Errorf("queue.stage_retry_limit cannot be negative, got %d", c.Queue.StageRetryLimit)
	}
	if c.Queue.ActiveRetentionHours < 1 {
		return fmt.Errorf("queue.active_retention_hours must be at least 1, got %d", c.Queue.ActiveRetentionHours)
	}
	if c.Queue.SweepIntervalSeconds < 1 {
		return fmt.Errorf("queue.sweep_interval_seconds must be at least 1, got %d", c.Queue.SweepIntervalSeconds)
	}

	if c.Limits.MaxUploadBytes < 1 {
		return fmt.Errorf("limits.max_upload_bytes must be positive, got %d", c.Limits.MaxUploadBytes)
	}
	if c.Limits.MaxJobsPerOwner < 1 {
		return fmt.Errorf("limits.max_jobs_per_owner must be at least 1, got %d", c.Limits.MaxJobsPerOwner)
	}
	if c.Limits.MaxOwnerDiskBytes < c.Limits.MaxUploadBytes {
		return fmt.Errorf("limits.max_owner_disk_bytes (%d) cannot be smaller than limits.max_upload_bytes (%d)",
			c.Limits.MaxOwnerDiskBytes, c.Limits.MaxUploadBytes)
	}

	if c.Retention.HistoryDays < 1 {
		return fmt.Errorf("retention.history_days must be at least 1, got %d", c.Retention.HistoryDays)
	}

	if c.LLM.BaseURL != "" && !strings.HasPrefix(c.LLM.BaseURL, "http://") && !strings.HasPrefix(c.LLM.BaseURL, "https://") {
		return fmt.Errorf("llm.base_url must start with http:// or https://, got %q", c.LLM.BaseURL)
	}
	if c.LLM.TimeoutSeconds < 1 {
		return fmt.Errorf("llm.timeout_seconds must be at least 1, got %d", c.LLM.TimeoutSeconds)
	}
	if c.LLM.RequestsPerSecond <= 0 {
		return fmt.Errorf("llm.requests_per_second must be positive, got %v", c.LLM.RequestsPerSecond)
	}

	switch c.Pipeline.DefaultVariant {
	case "standard", "quick":
	default:
		return fmt.Errorf("pipeline.default_variant must be standard or quick, got %q", c.Pipeline.DefaultVariant)
	}
	if c.Pipeline.SecondsPerPage < 1 {
		return fmt.Errorf("pipeline.seconds_per_page must be at least 1, got %d", c.Pipeline.SecondsPerPage)
	}
	if c.Pipeline.BytesPerPage < 1 {
		return fmt.Errorf("pipeline.bytes_per_page must be at least 1, got %d", c.Pipeline.BytesPerPage)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	if c.Notifications.NtfyTopic != "" &&
		!strings.HasPrefix(c.Notifications.NtfyTopic, "http://") &&
		!strings.HasPrefix(c.Notifications.NtfyTopic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be a full topic URL, got %q", c.Notifications.NtfyTopic)
	}

	return nil
}
