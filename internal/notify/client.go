package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts at-risk alerts to a configured webhook. Delivery to students
// or admins (email, toast, chat) is the receiving system's business.
type Client struct {
	WebhookURL string
	HTTP       *http.Client
}

// New creates a webhook client. An empty URL disables alerting.
func New(webhookURL string) *Client {
	return &Client{
		WebhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert is the payload sent when a student crosses below the at-risk
// threshold.
type Alert struct {
	UserID     string `json:"user_id"`
	Batch      string `json:"batch"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Enabled reports whether a webhook is configured.
func (c *Client) Enabled() bool { return c != nil && c.WebhookURL != "" }

// Send posts one alert.
func (c *Client) Send(ctx context.Context, a Alert) error {
	if !c.Enabled() {
		return nil
	}
	body, _ := json.Marshal(a)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook error %s", resp.Status)
	}
	return nil
}
