// Package redis publishes job completion events over Redis pub/sub.
//
// Events are published as JSON to a configurable channel. When KeyPrefix is
// set the event is also stored at <prefix><job_id> (with KeyTTL) in the same
// transaction, so consumers that were not subscribed can still poll it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/retry"
)

// Defaults applied by New.
const (
	DefaultChannel = "kiln:job_completed"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db]. Required.
	URL string
	// Channel receives the PUBLISH (default DefaultChannel).
	Channel string
	// KeyPrefix, when set, also stores the event at KeyPrefix+job_id.
	KeyPrefix string
	// KeyTTL expires stored events; 0 keeps them.
	KeyTTL  time.Duration
	Timeout time.Duration
	Retries int
	Backoff retry.Policy
}

// Adapter publishes job completion events on a Redis channel.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New validates cfg and creates the client. It does not connect; the first
// Publish does.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.KeyTTL < 0 {
		return nil, fmt.Errorf("key ttl must be >= 0, got %v", cfg.KeyTTL)
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff == (retry.Policy{}) {
		cfg.Backoff = adapter.DefaultBackoff()
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Publish sends the event as a JSON PUBLISH to the configured channel.
func (a *Adapter) Publish(ctx context.Context, event *adapter.JobCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	return adapter.Deliver(ctx, adapter.Delivery{
		Name:    "redis",
		Retries: a.config.Retries,
		Backoff: a.config.Backoff,
		Timeout: a.config.Timeout,
	}, func(ctx context.Context) error {
		err := a.publishOnce(ctx, event.JobID, body)
		if errors.Is(err, goredis.ErrClosed) {
			return adapter.Permanent(err)
		}
		return err
	})
}

// publishOnce publishes, storing the event first in the same MULTI when
// KeyPrefix is set.
func (a *Adapter) publishOnce(ctx context.Context, jobID string, body []byte) error {
	if a.config.KeyPrefix == "" {
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	}
	_, err := a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, a.config.KeyPrefix+jobID, body, a.config.KeyTTL)
		pipe.Publish(ctx, a.config.Channel, body)
		return nil
	})
	return err
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
