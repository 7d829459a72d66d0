// Package notify calls the parent notification collaborator. Delivery is
// best-effort: the recorder records failures but never fails a check-in
// over them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the notification service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. skip short-circuits delivery for dev and tests.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyCheckIn tells the collaborator a student just checked in.
func (c *Client) NotifyCheckIn(ctx context.Context, studentID, studentName string, ts time.Time) error {
	if c.Skip {
		return nil
	}
	body, _ := json.Marshal(map[string]string{
		"student_id":   studentID,
		"student_name": studentName,
		"timestamp":    ts.Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/notifications/checkin", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification service error %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// Health checks if the notification service is reachable.
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
		return fmt.Errorf("notification service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service unhealthy: %s", resp.Status)
	}
	return nil
}
