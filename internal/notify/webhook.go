package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// WebhookNotifier POSTs alerts as JSON to a fixed URL. Each alert is sent on
// its own goroutine with up to 8 attempts and full-jitter exponential backoff
// (cap 5 min). Retries stop when the notifier's base context is cancelled.
type WebhookNotifier struct {
	ctx        context.Context
	url        string
	client     *http.Client
	publicOnly bool
	retryBase  time.Duration
	retryCap   time.Duration
	wait       func(ctx context.Context, d time.Duration) bool
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithPublicOnly rejects targets that resolve to private or internal
// addresses.
func WithPublicOnly() WebhookOption {
	return func(w *WebhookNotifier) { w.publicOnly = true }
}

// WithRetryBase sets the backoff unit.
func WithRetryBase(d time.Duration) WebhookOption {
	return func(w *WebhookNotifier) {
		w.retryBase = d
		w.retryCap = 300 * d
	}
}

// NewWebhookNotifier validates target and returns a notifier bound to ctx,
// which should live as long as the process.
func NewWebhookNotifier(ctx context.Context, target string, opts ...WebhookOption) (*WebhookNotifier, error) {
	w := &WebhookNotifier{
		ctx:       ctx,
		url:       target,
		client:    &http.Client{Timeout: 30 * time.Second},
		retryBase: retryBase,
		retryCap:  retryCap,
		wait:      sleep,
	}
	for _, o := range opts {
		o(w)
	}
	if err := validateURL(target, w.publicOnly); err != nil {
		return nil, fmt.Errorf("webhook %q: %w", target, err)
	}
	return w, nil
}

// Notify queues a to be sent. The request context is ignored so delivery
// outlives the caller.
func (w *WebhookNotifier) Notify(_ context.Context, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		slog.Warn("webhook: encode alert", "error", err)
		return
	}
	go w.send(payload)
}

// validateURL allows only http(s) targets and, when publicOnly is set, blocks
// private and internal IP ranges.
func validateURL(rawURL string, publicOnly bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if !publicOnly {
		return nil
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (w *WebhookNotifier) send(payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if w.ctx.Err() != nil {
			return
		}
		err := w.post(payload)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", w.url, "error", err)
		if attempt < retryAttempts && !w.wait(w.ctx, jitter(attempt, w.retryBase, w.retryCap)) {
			return
		}
	}
	slog.Error("webhook: all retries exhausted", "url", w.url)
}

// jitter returns a random duration between 0 and min(limit, base * 2^attempt).
func jitter(attempt int, base, limit time.Duration) time.Duration {
	exp := base * (1 << attempt)
	if exp > limit || exp <= 0 {
		exp = limit
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *WebhookNotifier) post(payload []byte) error {
	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
