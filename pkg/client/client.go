// Package client is the callback client the in-container agent uses to
// reach the orchestrator: heartbeat, completion, and error reports.
// Calls retry transient failures with capped exponential backoff; any
// 2xx response is final.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matrx/orchestrator/pkg/types"
)

const (
	defaultTimeout  = 10 * time.Second
	retryBase       = 500 * time.Millisecond
	retryMultiplier = 2.0

	// maxRetries is retries after the first attempt (3 attempts total)
	maxRetries = 2
)

// Client talks to the orchestrator on behalf of one sandbox
type Client struct {
	baseURL   string
	apiKey    string
	sandboxID string
	http      *http.Client
}

// New creates a callback client for the given sandbox
func New(baseURL, apiKey, sandboxID string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		sandboxID: sandboxID,
		http:      &http.Client{Timeout: defaultTimeout},
	}
}

// Heartbeat reports agent liveness. Safe to call on a timer; the
// orchestrator treats it as idempotent.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "heartbeat", nil)
}

// Complete reports successful completion. The orchestrator responds
// before tearing the sandbox down, so the agent must begin its own
// shutdown once this returns nil.
func (c *Client) Complete(ctx context.Context, result map[string]any) error {
	return c.post(ctx, "complete", types.CompleteRequest{Result: result})
}

// Error reports a fatal agent error. Like Complete, a nil return means
// teardown is underway.
func (c *Client) Error(ctx context.Context, message string, details map[string]any) error {
	return c.post(ctx, "error", types.ErrorReport{Error: message, Details: details})
}

func (c *Client) post(ctx context.Context, action string, body any) error {
	url := fmt.Sprintf("%s/sandboxes/%s/%s", c.baseURL, c.sandboxID, action)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", action, err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBase
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%s rejected: status %d", action, resp.StatusCode))
		}
		return fmt.Errorf("%s failed: status %d", action, resp.StatusCode)
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return fmt.Errorf("failed to deliver %s for sandbox %s: %w", action, c.sandboxID, err)
	}
	return nil
}
