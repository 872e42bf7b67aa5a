// Package sushibarsdk is a minimal client for the Sushibar reporting API,
// intended for chef scripts: create a run, report stages, post progress.
package sushibarsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sushibar HTTP API client. Token is the chef's content
// server token, sent with the Token scheme.
type Client struct {
	BaseURL    string
	Token      string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		BasePath: "api",
		Timeout:  10 * time.Second,
	}
}

// Run is the API run model (partial).
type Run struct {
	RunID         string `json:"run_id"`
	ChannelID     string `json:"channel_id"`
	ChefName      string `json:"chef_name"`
	ContentServer string `json:"content_server"`
	State         string `json:"state,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Stage is one reported run stage.
type Stage struct {
	RunID           string  `json:"run_id"`
	Name            string  `json:"name"`
	Started         string  `json:"started"`
	Finished        string  `json:"finished"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Channel is the API channel model (partial).
type Channel struct {
	ChannelID     string `json:"channel_id"`
	Name          string `json:"name"`
	SourceDomain  string `json:"source_domain"`
	SourceID      string `json:"source_id"`
	ContentServer string `json:"content_server"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterChannel registers a channel; domain and sourceID determine its id.
func (c *Client) RegisterChannel(ctx context.Context, name, domain, sourceID string) (Channel, error) {
	body := map[string]any{
		"name":      name,
		"domain":    domain,
		"source_id": sourceID,
	}
	var resp Channel
	err := c.do(ctx, http.MethodPost, "channels", body, &resp)
	return resp, err
}

// CreateRun starts a new run for a channel.
func (c *Client) CreateRun(ctx context.Context, channelID, chefName string, extraOptions map[string]any) (Run, error) {
	body := map[string]any{
		"channel_id":    channelID,
		"chef_name":     chefName,
		"extra_options": extraOptions,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

// ReportStage notifies the server that a stage finished, with the duration the
// chef measured locally.
func (c *Client) ReportStage(ctx context.Context, runID, stage string, duration time.Duration) (Stage, error) {
	body := map[string]any{
		"run_id":   runID,
		"stage":    stage,
		"duration": duration.Seconds(),
	}
	var resp Stage
	endpoint := fmt.Sprintf("runs/%s/stages", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PostProgress stores fractional completion in [0,1] for the dashboard.
func (c *Client) PostProgress(ctx context.Context, runID string, progress float64) error {
	body := map[string]any{"progress": progress}
	endpoint := fmt.Sprintf("runs/%s/progress", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// UploadStats uploads end-of-run resource counts and byte sizes per kind.
func (c *Client) UploadStats(ctx context.Context, runID string, counts, sizes map[string]int64) (Run, error) {
	body := map[string]any{
		"resource_counts": counts,
		"resource_sizes":  sizes,
	}
	var resp Run
	endpoint := fmt.Sprintf("runs/%s", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Token "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
