// Package webhook posts attendance notifications to an external receiver
// (the school's messaging gateway in production).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SessionSummary is the payload sent when a session ends.
type SessionSummary struct {
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"`
	Present   int    `json:"present"`
	Late      int    `json:"late"`
	Absent    int    `json:"absent"`
}

// Client calls the notification receiver.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, calls succeed without going out; dev
// environments run without a receiver.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health checks the receiver's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook receiver unhealthy: %s", resp.Status)
	}
	return nil
}

// NotifySessionEnd posts a session summary.
func (c *Client) NotifySessionEnd(ctx context.Context, summary SessionSummary) error {
	return c.post(ctx, "/notify/session-end", summary)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if c.Skip {
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post %s: %s", path, resp.Status)
	}
	return nil
}
