// Package executor holds the HTTP clients for the downstream services saga
// steps call into. Each call is a synchronous request with a timeout; the
// response is classified into the retryable-vs-fatal taxonomy the
// orchestrator's retry-or-compensate decision depends on.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwalitptl/fincore/pkg/circuitbreaker"
	"github.com/jwalitptl/fincore/pkg/errors"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the shared transport for one downstream service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	cb      *circuitbreaker.CircuitBreaker
}

func newClient(name string, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        name,
			MaxFailures: 5,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
		}),
	}
}

// declineBody is the downstream decline shape shared by the executors.
type declineBody struct {
	Declined bool   `json:"declined"`
	Reason   string `json:"reason"`
}

// post issues the call and decodes into out. Network failures and 5xx are
// transient (retried by the orchestrator); 4xx and explicit declines are
// business rejections (compensated, never retried).
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("%s: marshal request: %w", c.name, err))
	}

	var resp *http.Response
	err = c.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.http.Do(req)
		return err
	})
	if err != nil {
		return errors.NewTransient(fmt.Sprintf("%s unreachable", c.name), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewTransient(fmt.Sprintf("%s response read failed", c.name), err)
	}

	switch {
	case resp.StatusCode >= 500:
		return errors.NewTransient(
			fmt.Sprintf("%s returned %d", c.name, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		var decline declineBody
		reason := fmt.Sprintf("%s returned %d", c.name, resp.StatusCode)
		if json.Unmarshal(data, &decline) == nil && decline.Reason != "" {
			reason = decline.Reason
		}
		return errors.NewBusiness(reason, nil)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewInternal(fmt.Errorf("%s: decode response: %w", c.name, err))
		}
	}
	return nil
}
