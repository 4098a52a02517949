// Package nats carries domain events out to, and payment callbacks in from,
// NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ClientConfig holds the JetStream connection and stream layout.
type ClientConfig struct {
	URL             string
	Name            string
	Stream          string // e.g. MARKET_EVENTS
	SubjectPrefix   string // e.g. market.events
	PaymentsStream  string
	PaymentsSubject string // e.g. payments.events.>
	MaxAge          time.Duration
}

// Client owns the NATS connection and its JetStream context.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg ClientConfig
}

// Connect dials NATS and makes sure the event and payment streams exist.
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "marketcore"
	}
	if cfg.PaymentsStream == "" {
		cfg.PaymentsStream = "PAYMENTS"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	c := &Client{nc: nc, js: js, cfg: cfg}
	if err := c.ensureStream(ctx, cfg.Stream, cfg.SubjectPrefix+".>"); err != nil {
		nc.Close()
		return nil, err
	}
	if cfg.PaymentsSubject != "" {
		if err := c.ensureStream(ctx, cfg.PaymentsStream, cfg.PaymentsSubject); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context, name, subject string) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  jetstream.FileStorage,
		MaxAge:   c.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("nats: ensure stream %s: %w", name, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (c *Client) Ping() error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", c.nc.Status())
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() {
	_ = c.nc.Drain()
}
