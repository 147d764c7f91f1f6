// Package nats publishes domain events to a NATS JetStream stream so that
// settlement and archival consumers get at-least-once delivery.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
)

// Publisher implements event.Publisher on JetStream.
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// New connects to NATS and makes sure the stream exists.
func New(ctx context.Context, cfg config.NATSConfig) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("auctionhouse"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p, err := NewFromConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewFromConn builds a Publisher on an existing connection.
func NewFromConn(ctx context.Context, conn *nats.Conn, cfg config.NATSConfig) (*Publisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Auction domain events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.MaxAge,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}

	return &Publisher{conn: conn, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject e is published on.
func (p *Publisher) Subject(e event.Event) string {
	return p.prefix + "." + string(e.Type) + "." + e.AggregateID
}

// Publish implements event.Publisher. The event ID doubles as the JetStream
// message ID, so republishing the same event is deduplicated by the server.
func (p *Publisher) Publish(ctx context.Context, events ...event.Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		if _, err := p.js.Publish(ctx, p.Subject(e), payload, jetstream.WithMsgID(e.ID)); err != nil {
			return fmt.Errorf("publishing event %s: %w", e.ID, err)
		}
	}
	return nil
}

// Ping checks the connection health.
func (p *Publisher) Ping(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", p.conn.Status())
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
