package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/modelmanager"
)

// Client is a thin HTTP client over the control plane's REST surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client against baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type jobsPage struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type jobsListResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	Pagination jobsPage     `json:"pagination"`
}

// ListJobs fetches a page of jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string, limit, offset int) (jobsListResponse, error) {
	var out jobsListResponse
	q := fmt.Sprintf("?limit=%d&offset=%d", limit, offset)
	if status != "" {
		q += "&status=" + status
	}
	err := c.do(ctx, http.MethodGet, "/jobs"+q, nil, &out)
	return out, err
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var out domain.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &out)
	return out, err
}

// CancelJob requests cancellation of a pending job; the server answers
// with a conflict for a job that is no longer pending.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// ListModels fetches every known model descriptor.
func (c *Client) ListModels(ctx context.Context) ([]domain.ModelDescriptor, error) {
	var out struct {
		Models []domain.ModelDescriptor `json:"models"`
	}
	err := c.do(ctx, http.MethodGet, "/models", nil, &out)
	return out.Models, err
}

// ModelStatus fetches the runtime status of modelID's process.
func (c *Client) ModelStatus(ctx context.Context, modelID string) (modelmanager.StatusView, error) {
	var out modelmanager.StatusView
	err := c.do(ctx, http.MethodGet, "/models/"+modelID+"/status", nil, &out)
	return out, err
}

// StartModel starts modelID's engine process and returns its process record.
func (c *Client) StartModel(ctx context.Context, modelID string) (domain.ProcessRecord, error) {
	var out domain.ProcessRecord
	err := c.do(ctx, http.MethodPost, "/models/"+modelID+"/start", nil, &out)
	return out, err
}

// StopModel stops modelID's engine process.
func (c *Client) StopModel(ctx context.Context, modelID string) error {
	return c.do(ctx, http.MethodPost, "/models/"+modelID+"/stop", nil, nil)
}

type startDownloadResponse struct {
	DownloadID string `json:"download_id"`
	Status     string `json:"status"`
}

// StartDownload begins downloading repo; an empty files list lets the
// server resolve the full file listing from the model registry.
func (c *Client) StartDownload(ctx context.Context, repo string, files []string) (startDownloadResponse, error) {
	var out startDownloadResponse
	body := map[string]any{"repo": repo}
	if len(files) > 0 {
		body["files"] = files
	}
	err := c.do(ctx, http.MethodPost, "/models/download", body, &out)
	return out, err
}

// GetDownload fetches the current state of a download job.
func (c *Client) GetDownload(ctx context.Context, id string) (domain.Download, error) {
	var out domain.Download
	err := c.do(ctx, http.MethodGet, "/models/download/"+id, nil, &out)
	return out, err
}

// CancelDownload stops an in-flight download.
func (c *Client) CancelDownload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/models/download/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
