package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scenarioforge/internal/config"
	"scenarioforge/internal/queue"
)

const userAgent = "scenarioforge/0.1"

// Service delivers job lifecycle notifications.
type Service interface {
	JobCompleted(ctx context.Context, job *queue.Job) error
	JobFailed(ctx context.Context, job *queue.Job) error
	Test(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) JobCompleted(ctx context.Context, job *queue.Job) error {
	message := fmt.Sprintf("Scenarios ready for %s (owner %s)", job.SourceName, job.OwnerID)
	if len(job.Artifacts) > 0 {
		names := make([]string, 0, len(job.Artifacts))
		for _, artifact := range job.Artifacts {
			names = append(names, artifact.Name)
		}
		message = fmt.Sprintf("%s\nArtifacts: %s", message, strings.Join(names, ", "))
	}
	data := payload{
		title:   "scenarioforge - Job Complete",
		message: message,
		tags:    []string{"scenarioforge", "job", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) JobFailed(ctx context.Context, job *queue.Job) error {
	message := fmt.Sprintf("Generation failed for %s (owner %s)", job.SourceName, job.OwnerID)
	if reason := strings.TrimSpace(job.ErrorMessage); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:    "scenarioforge - Job Failed",
		message:  message,
		tags:     []string{"scenarioforge", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) Test(ctx context.Context) error {
	data := payload{
		title:    "scenarioforge - Test",
		message:  "Notification system test",
		tags:     []string{"scenarioforge", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) JobCompleted(context.Context, *queue.Job) error { return nil }
func (noopService) JobFailed(context.Context, *queue.Job) error    { return nil }
func (noopService) Test(context.Context) error                     { return nil }
