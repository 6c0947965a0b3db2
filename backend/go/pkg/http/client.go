package http

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/pkg/circuitbreaker"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps http.Client with an optional circuit breaker.
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewClient creates a Client. A disabled breaker config yields a plain client.
// timeout bounds every request; zero means no client-side limit.
func NewClient(cfg config.CircuitBreakerConfig, timeout time.Duration) *Client {
	c := &Client{httpClient: &http.Client{Timeout: timeout}}
	if cfg.Enabled {
		c.breaker = circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.Timeout.Duration)
	}
	return c
}

// Do executes an HTTP request with circuit breaker protection.
// Status codes >= 500 count as failures; the response is still returned to the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	var resp *http.Response
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var err error
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server error: received status code %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil && resp != nil && resp.StatusCode >= http.StatusInternalServerError {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// PostJSON marshals body and POSTs it to url. Any non-2xx status is an error;
// the first bytes of the response body are included in it.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
