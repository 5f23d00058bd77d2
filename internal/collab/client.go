package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"warpgate/internal/logging"
)

// Recorder receives per-call timings. Metrics implement it.
type Recorder interface {
	Collab(service string, success bool, d time.Duration)
}

// client is the shared JSON-over-HTTP transport.
type client struct {
	service  string
	endpoint string
	token    string
	http     *http.Client
	recorder Recorder
}

func newClient(service, endpoint, token string, timeout time.Duration, rec Recorder) *client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		service:  service,
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout},
		recorder: rec,
	}
}

// postJSON sends in to path and decodes the response into out.
func (c *client) postJSON(ctx context.Context, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.Collab(c.service, err == nil, time.Since(start))
		}
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	logging.CollabDebug("%s: POST %s (%d bytes)", c.service, c.endpoint+path, len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", c.service, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.service, err)
	}
	return nil
}
