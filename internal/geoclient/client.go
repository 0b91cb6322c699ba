package geoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"clubattend/internal/attendance"
)

// Client calls the device geolocation relay service. The relay asks the
// student's device for its current position; acquisition is cancellable and
// bounded by Timeout. Any failure degrades to an unverified check-in rather
// than blocking the session.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. The timeout bounds the whole position acquisition;
// the reference behavior is 10 seconds.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Position asks the relay for a device's current coordinates. Timeouts and
// permission denials both surface as ErrGeoUnavailable; callers proceed with
// an unverified check-in.
func (c *Client) Position(ctx context.Context, deviceID string) (*attendance.Position, error) {
	if c.Skip {
		return nil, attendance.ErrGeoUnavailable
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id required")
	}

	body, _ := json.Marshal(map[string]string{"device_id": deviceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/position", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Covers client-side timeout and cancellation.
		return nil, attendance.ErrGeoUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusRequestTimeout:
		// Device denied the permission prompt or never answered.
		return nil, attendance.ErrGeoUnavailable
	case resp.StatusCode >= 300:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("geo service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Lat            float64 `json:"lat"`
		Lng            float64 `json:"lng"`
		AccuracyMeters float64 `json:"accuracy_meters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &attendance.Position{Lat: out.Lat, Lng: out.Lng, AccuracyMeters: out.AccuracyMeters}, nil
}

// Health checks whether the relay is reachable.
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
	if resp.StatusCode >= 300 {
		return errors.New("geo service unhealthy: " + resp.Status)
	}
	return nil
}
