// Package client is a typed Go client for the aquifer HTTP API. It
// covers the series, purge, warming and stats endpoints, so downstream
// dashboards and sibling caches do not hand-roll requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/purge"
	"github.com/limnolab/aquifer/pkg/serve"
	"github.com/limnolab/aquifer/pkg/warmer"
)

const defaultTimeout = 10 * time.Second

// Config holds client settings. BaseURL is required.
type Config struct {
	BaseURL string

	// Timeout bounds each request. Zero uses the default.
	Timeout time.Duration

	// HTTPClient overrides the default client; Timeout is ignored
	// when set.
	HTTPClient *http.Client
}

// Client talks to one aquifer instance.
type Client struct {
	base string
	http *http.Client
}

// New builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: hc,
	}, nil
}

// APIError is a non-2xx response, decoded from the server's error body
// when one was sent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aquifer: %s (status %d)", e.Message, e.Status)
}

// Series fetches a ready-to-plot window.
func (c *Client) Series(ctx context.Context, q serve.Query) (*serve.Response, error) {
	vals := url.Values{}
	if !q.Start.IsZero() {
		vals.Set("start", q.Start.Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		vals.Set("end", q.End.Format(time.RFC3339))
	}
	if len(q.Entities) > 0 {
		vals.Set("entities", strings.Join(q.Entities, ","))
	}
	if q.Tier != "" {
		vals.Set("tier", q.Tier)
	}

	var resp serve.Response
	if err := c.get(ctx, "/v1/series?"+vals.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge invalidates cached data and reports what was removed.
func (c *Client) Purge(ctx context.Context, req purge.Request) (purge.Result, error) {
	var res purge.Result
	err := c.post(ctx, "/v1/purge", req, &res)
	return res, err
}

// WarmRun identifies an accepted warming run.
type WarmRun struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Warm starts an asynchronous warming run. The server answers with a
// conflict while another run is active.
func (c *Client) Warm(ctx context.Context) (WarmRun, error) {
	var run WarmRun
	err := c.post(ctx, "/v1/warm", nil, &run)
	return run, err
}

// WarmStats returns cumulative warming statistics.
func (c *Client) WarmStats(ctx context.Context) (warmer.Stats, error) {
	var st warmer.Stats
	err := c.get(ctx, "/v1/warm/stats", &st)
	return st, err
}

// CacheStats returns the hybrid cache counters.
func (c *Client) CacheStats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	err := c.get(ctx, "/v1/cache/stats", &st)
	return st, err
}

// CachedMonths lists which month shards are cached for an entity set
// at a granularity ("raw", "hourly", "daily", "weekly", "monthly").
func (c *Client) CachedMonths(ctx context.Context, entities []string, granularity string) ([]string, error) {
	vals := url.Values{}
	if len(entities) > 0 {
		vals.Set("entities", strings.Join(entities, ","))
	}
	if granularity != "" {
		vals.Set("granularity", granularity)
	}

	var out struct {
		Months []string `json:"months"`
	}
	if err := c.get(ctx, "/v1/cache/months?"+vals.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Months, nil
}

// Entities lists the sites present in the measurement store.
func (c *Client) Entities(ctx context.Context) ([]string, error) {
	var out struct {
		Entities []string `json:"entities"`
	}
	if err := c.get(ctx, "/v1/entities", &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

// Health is the server's own view of its state.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health checks the instance, including its measurement store ping.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/v1/health", &h)
	return h, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			if body.Message != "" {
				apiErr.Message = body.Message
			} else if body.Error != "" {
				apiErr.Message = body.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
