// Package nats publishes job completion events to a NATS subject.
//
// Core NATS is used by default. With JetStream enabled the event is
// published to a stream and the job ID is sent as the message ID, so a
// retried publish is deduplicated by the server.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/retry"
)

// DefaultSubject is the default subject events are published to.
const DefaultSubject = "kiln.job_completed"

// DefaultTimeout bounds connecting and each publish.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of republish attempts.
const DefaultRetries = 3

// ClientName identifies kiln connections on the server.
const ClientName = "kiln"

// Config configures the NATS adapter.
type Config struct {
	// URL is the NATS server URL (required), e.g. nats://localhost:4222.
	URL string
	// Subject is the publish subject (default: kiln.job_completed).
	Subject string
	// JetStream publishes through JetStream and waits for the ack.
	JetStream bool
	// Timeout is the connect and per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// Backoff is the delay policy between retries (default adapter.DefaultBackoff).
	Backoff retry.Policy
}

// Adapter publishes job completion events to NATS.
type Adapter struct {
	config Config
	conn   *nats.Conn
	js     jetstream.JetStream
}

func (c *Config) applyDefaults() error {
	if c.URL == "" {
		return errors.New("nats adapter requires a URL")
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	}
	if c.Backoff == (retry.Policy{}) {
		c.Backoff = adapter.DefaultBackoff()
	}
	return nil
}

// New connects to the NATS server and returns an adapter.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	conn, err := nats.Connect(cfg.URL, nats.Name(ClientName), nats.Timeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("nats adapter: connect: %w", err)
	}

	a := &Adapter{config: cfg, conn: conn}
	if cfg.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("nats adapter: jetstream: %w", err)
		}
		a.js = js
	}
	return a, nil
}

// newMsg builds the message for an event.
func newMsg(subject string, event *adapter.JobCompletedEvent) (*nats.Msg, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("nats: marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Kiln-Event", event.EventType)
	msg.Header.Set(nats.MsgIdHdr, event.JobID)
	return msg, nil
}

// Publish sends the event to the configured subject.
func (a *Adapter) Publish(ctx context.Context, event *adapter.JobCompletedEvent) error {
	msg, err := newMsg(a.config.Subject, event)
	if err != nil {
		return err
	}

	return adapter.Deliver(ctx, adapter.Delivery{
		Name:    "nats",
		Retries: a.config.Retries,
		Backoff: a.config.Backoff,
		Timeout: a.config.Timeout,
	}, func(ctx context.Context) error {
		err := a.publishOnce(ctx, msg)
		if errors.Is(err, nats.ErrConnectionClosed) {
			return adapter.Permanent(err)
		}
		return err
	})
}

func (a *Adapter) publishOnce(ctx context.Context, msg *nats.Msg) error {
	if a.js != nil {
		_, err := a.js.PublishMsg(ctx, msg)
		return err
	}
	if err := a.conn.PublishMsg(msg); err != nil {
		return err
	}
	return a.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (a *Adapter) Close() error {
	if a.conn.IsClosed() {
		return nil
	}
	return a.conn.Drain()
}

var _ adapter.Adapter = (*Adapter)(nil)
