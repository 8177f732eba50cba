package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

const defaultRequestTimeout = 30 * time.Second

// retryDelays are the waits before each retry attempt. Provider sandboxes
// cold-start slowly, so the first call after idle often times out.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second}

// apiClient wraps an HTTP client with bounded retries and a circuit breaker
// shared by all calls to one provider.
type apiClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// newAPIClient creates a provider API client.
func newAPIClient(name string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &apiClient{
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
}

// do executes the request built by build, retrying transient failures.
// build is called per attempt because request bodies are single-use.
func (c *apiClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			resp, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				resp.Body.Close()
				return nil, fmt.Errorf("server error: status %d", resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// An open breaker will not recover within this call.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
	}
	return nil, lastErr
}

// doJSON executes a JSON request and returns the status code and body.
func (c *apiClient) doJSON(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
