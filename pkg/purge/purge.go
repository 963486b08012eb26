// Package purge carries cache invalidation notices. A purge request
// names what changed upstream; the notifier forwards it to a peer cache
// layer so every copy of the data drops together.
package purge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Request describes the scope of an invalidation.
type Request struct {
	// All drops everything. It wins over the narrower scopes.
	All bool `json:"all,omitempty"`
	// Page narrows the purge to one dashboard page's shards.
	Page string `json:"page,omitempty"`
	// Months lists affected month tokens ("2006-01").
	Months []string `json:"months,omitempty"`
	// Entities lists affected entity IDs. Cached keys do not encode
	// single entities recoverably, so entity scopes purge broadly.
	Entities []string `json:"entities,omitempty"`
	// Reason is free text for the audit log.
	Reason string `json:"reason,omitempty"`
}

// Result reports what a purge removed.
type Result struct {
	Shards    int `json:"shards"`
	Responses int `json:"responses"`
}

// Notifier POSTs purge requests to a configured peer URL. An empty URL
// disables it; Notify then does nothing.
type Notifier struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

// NewNotifier builds a notifier. timeout <= 0 uses the default.
func NewNotifier(url string, timeout time.Duration, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logger,
	}
}

// Enabled reports whether a peer URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Notify forwards the purge downstream. Callers treat failures as
// soft: the local purge already happened, the peer will converge when
// its TTLs lapse.
func (n *Notifier) Notify(ctx context.Context, req Request) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode purge notice: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build purge notice: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send purge notice: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("purge notice rejected: %s", resp.Status)
	}
	n.log.Debugw("purge notice delivered", "url", n.url, "all", req.All,
		"page", req.Page, "months", len(req.Months), "entities", len(req.Entities))
	return nil
}

// NotifyAsync sends the notice from a goroutine so the purge that
// triggered it never waits on the peer. The send detaches from the
// caller's cancellation and runs under the notifier's own timeout;
// failures are logged, nothing more.
func (n *Notifier) NotifyAsync(ctx context.Context, req Request) {
	if !n.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, n.client.Timeout)
		defer cancel()
		if err := n.Notify(ctx, req); err != nil {
			n.log.Warnw("purge notice delivery failed", "url", n.url, "error", err)
		}
	}()
}
