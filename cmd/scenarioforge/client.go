package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"scenarioforge/internal/api"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type submitOptions struct {
	Variant            string
	AnalyzeImages      *bool
	CorrelateDocuments *bool
	Hints              string
	Model              string
}

func (c *apiClient) SubmitFile(ctx context.Context, ownerID, path string, opts submitOptions) (api.JobResponse, error) {
	var job api.JobResponse

	file, err := os.Open(path)
	if err != nil {
		return job, fmt.Errorf("open document: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("owner_id", ownerID); err != nil {
		return job, err
	}
	writeSubmitFields(form, opts)
	part, err := form.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return job, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return job, fmt.Errorf("read document: %w", err)
	}
	if err := form.Close(); err != nil {
		return job, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs", &body)
	if err != nil {
		return job, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	err = c.do(req, &job)
	return job, err
}

func writeSubmitFields(form *multipart.Writer, opts submitOptions) {
	if opts.Variant != "" {
		form.WriteField("variant", opts.Variant)
	}
	if opts.AnalyzeImages != nil {
		form.WriteField("analyze_images", strconv.FormatBool(*opts.AnalyzeImages))
	}
	if opts.CorrelateDocuments != nil {
		form.WriteField("correlate_documents", strconv.FormatBool(*opts.CorrelateDocuments))
	}
	if opts.Hints != "" {
		form.WriteField("hints", opts.Hints)
	}
	if opts.Model != "" {
		form.WriteField("model", opts.Model)
	}
}

func (c *apiClient) SubmitURL(ctx context.Context, ownerID, sourceURL string, opts submitOptions) (api.JobResponse, error) {
	var job api.JobResponse
	payload := map[string]any{
		"owner_id":   ownerID,
		"source_url": sourceURL,
	}
	if opts.Variant != "" {
		payload["variant"] = opts.Variant
	}
	if opts.AnalyzeImages != nil {
		payload["analyze_images"] = *opts.AnalyzeImages
	}
	if opts.CorrelateDocuments != nil {
		payload["correlate_documents"] = *opts.CorrelateDocuments
	}
	if opts.Hints != "" {
		payload["hints"] = opts.Hints
	}
	if opts.Model != "" {
		payload["model"] = opts.Model
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return job, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return job, err
	}
	req.Header.Set("Content-Type", "application/json")
	err = c.do(req, &job)
	return job, err
}

func (c *apiClient) Status(ctx context.Context, jobID string) (api.JobResponse, error) {
	var job api.JobResponse
	err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &job)
	return job, err
}

func (c *apiClient) List(ctx context.Context, ownerID string) ([]api.JobResponse, error) {
	path := "/api/v1/jobs"
	if ownerID != "" {
		path += "?owner_id=" + url.QueryEscape(ownerID)
	}
	var body struct {
		Jobs []api.JobResponse `json:"jobs"`
	}
	err := c.get(ctx, path, &body)
	return body.Jobs, err
}

func (c *apiClient) Queue(ctx context.Context, ownerID string) (api.QueueResponse, error) {
	path := "/api/v1/queue"
	if ownerID != "" {
		path += "?owner_id=" + url.QueryEscape(ownerID)
	}
	var resp api.QueueResponse
	err := c.get(ctx, path, &resp)
	return resp, err
}

func (c *apiClient) Cancel(ctx context.Context, jobID string) (api.JobResponse, error) {
	return c.action(ctx, jobID, "cancel")
}

func (c *apiClient) Stop(ctx context.Context, jobID string) (api.JobResponse, error) {
	return c.action(ctx, jobID, "stop")
}

func (c *apiClient) Restart(ctx context.Context, jobID string) (api.JobResponse, error) {
	return c.action(ctx, jobID, "restart")
}

func (c *apiClient) action(ctx context.Context, jobID, verb string) (api.JobResponse, error) {
	var job api.JobResponse
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/"+verb, nil)
	if err != nil {
		return job, err
	}
	err = c.do(req, &job)
	return job, err
}

func (c *apiClient) Remove(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *apiClient) History(ctx context.Context, ownerID string, limit int) (api.HistoryResponse, error) {
	path := fmt.Sprintf("/api/v1/history?limit=%d", limit)
	if ownerID != "" {
		path += "&owner_id=" + url.QueryEscape(ownerID)
	}
	var resp api.HistoryResponse
	err := c.get(ctx, path, &resp)
	return resp, err
}

// FetchArtifact downloads one artifact into destPath.
func (c *apiClient) FetchArtifact(ctx context.Context, jobID, name, destPath string) error {
	path := "/api/v1/jobs/" + url.PathEscape(jobID) + "/artifacts/" + url.PathEscape(name)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapConnectError(err, c.baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	_, err = io.Copy(dest, resp.Body)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

func (c *apiClient) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.get(ctx, "/healthz", &resp)
	return resp, err
}

func (c *apiClient) get(ctx context.Context, path string, target any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *apiClient) do(req *http.Request, target any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapConnectError(err, c.baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if target == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("daemon replied %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("daemon replied %d", resp.StatusCode)
}

func wrapConnectError(err error, baseURL string) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to daemon at %s: connection refused; start it with `scenarioforge serve`", baseURL)
	}
	return fmt.Errorf("connect to daemon at %s: %w", baseURL, err)
}
