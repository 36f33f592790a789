// Package webhook posts job completion events to an HTTP endpoint.
//
// Network errors and 5xx responses are retried with backoff; other non-2xx
// responses fail at once. With a Secret set, each request carries an
// X-Kiln-Signature header: "sha256=" followed by the hex HMAC-SHA256 of
// the body.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/iox"
	"github.com/pithecene-io/kiln/retry"
)

// Defaults applied by New.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Kiln-Event"
	HeaderJob       = "X-Kiln-Job"
	HeaderSignature = "X-Kiln-Signature"
)

// Config configures the webhook adapter.
type Config struct {
	// URL receives the POST. Required.
	URL string
	// Headers are added to each request, after the kiln headers.
	Headers map[string]string
	// Secret, when set, signs each body.
	Secret string
	// Timeout bounds one request (default DefaultTimeout).
	Timeout time.Duration
	// Retries is the number of resends after a retryable failure.
	Retries int
	// Backoff is the delay between resends (default adapter.DefaultBackoff).
	Backoff retry.Policy
}

// Adapter publishes job completion events via HTTP POST.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff == (retry.Policy{}) {
		cfg.Backoff = adapter.DefaultBackoff()
	}
	return &Adapter{config: cfg, client: &http.Client{}}, nil
}

// Publish posts the event as JSON.
func (a *Adapter) Publish(ctx context.Context, event *adapter.JobCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	signature := a.sign(body)

	return adapter.Deliver(ctx, adapter.Delivery{
		Name:    "webhook",
		Retries: a.config.Retries,
		Backoff: a.config.Backoff,
		Timeout: a.config.Timeout,
	}, func(ctx context.Context) error {
		err := a.post(ctx, event, body, signature)
		var status *StatusError
		if errors.As(err, &status) && !status.Retryable() {
			return adapter.Permanent(err)
		}
		return err
	})
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retryable reports whether the receiver may accept the event later.
// 408 and 429 are retried alongside 5xx.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

func (a *Adapter) sign(body []byte) string {
	if a.config.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(a.config.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) post(ctx context.Context, event *adapter.JobCompletedEvent, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return adapter.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.EventType)
	req.Header.Set(HeaderJob, event.JobID)
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
