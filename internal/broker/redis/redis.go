// Package redis publishes domain events on Redis pub/sub channels, one
// channel per aggregate, so live views can follow a single auction.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
)

// Publisher implements event.Publisher on Redis pub/sub.
type Publisher struct {
	client *goredis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewFromClient(client, cfg.ChannelPrefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

// Channel returns the channel events of aggregateID are published on.
func (p *Publisher) Channel(aggregateID string) string {
	return p.prefix + ":" + aggregateID
}

// Publish implements event.Publisher. All events go out in one pipeline.
func (p *Publisher) Publish(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		pipe.Publish(ctx, p.Channel(e.AggregateID), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Subscribe follows the events of a single aggregate.
func (p *Publisher) Subscribe(ctx context.Context, aggregateID string) *goredis.PubSub {
	return p.client.Subscribe(ctx, p.Channel(aggregateID))
}

// Ping checks the connection health.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
