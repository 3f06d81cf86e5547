// ABOUTME: Runner-side HTTP client that ships events to the gateway
// ABOUTME: Bounded retries with exponential backoff, write-and-forget on exhaustion

package eventclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/driftbuild/forge/internal/event"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// Client writes events from inside the sandbox to the gateway ingest
// endpoint. Delivery is at-least-once: a retried POST that actually
// landed the first time produces a duplicate, which the client
// reconciliation layer absorbs. After the retry budget is exhausted
// the event is dropped with a log line; the runner is detached and has
// no caller to report to.
type Client struct {
	baseURL   string
	projectID string
	http      *http.Client
	logger    *slog.Logger
}

func New(baseURL, projectID string) *Client {
	return &Client{
		baseURL:   baseURL,
		projectID: projectID,
		http:      &http.Client{Timeout: requestTimeout},
		logger:    slog.Default().With("component", "eventclient"),
	}
}

// WriteEvent ships one event. Returns the last error after the retry
// budget is spent; callers are expected to log and continue.
func (c *Client) WriteEvent(ctx context.Context, ev *event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	url := fmt.Sprintf("%s/api/projects/%s/events", c.baseURL, c.projectID)
	if err := c.post(ctx, url, body); err != nil {
		c.logger.Error("event dropped after retries", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

// RegisterSession announces a backend-assigned session id to the
// gateway. Unlike event writes this must succeed before dependent
// events are forwarded, so the error is significant to the caller.
func (c *Client) RegisterSession(ctx context.Context, sessionID, userID, backend, workingDir string) error {
	body, err := json.Marshal(map[string]string{
		"sessionId":        sessionID,
		"userId":           userID,
		"backend":          backend,
		"workingDirectory": workingDir,
	})
	if err != nil {
		return fmt.Errorf("encoding session registration: %w", err)
	}

	url := fmt.Sprintf("%s/api/projects/%s/sessions", c.baseURL, c.projectID)
	if err := c.post(ctx, url, body); err != nil {
		return fmt.Errorf("registering session %s: %w", sessionID, err)
	}
	return nil
}

// post sends the payload with up to maxAttempts tries. 4xx responses
// are permanent (retrying an invalid payload cannot help); network
// errors and 5xx responses retry with exponential backoff.
func (c *Client) post(ctx context.Context, url string, body []byte) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("gateway rejected request: %s", resp.Status))
		default:
			return fmt.Errorf("gateway returned %s", resp.Status)
		}
	}, bo)
}
