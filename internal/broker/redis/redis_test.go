package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/jensholdgaard/auctionhouse/internal/broker/redis"
	"github.com/jensholdgaard/auctionhouse/internal/event"
)

func newTestPublisher(t *testing.T) *redis.Publisher {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}

	uri, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parsing redis url: %v", err)
	}

	p := redis.NewFromClient(goredis.NewClient(opts), "auction_events")
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPublisher_Channel(t *testing.T) {
	p := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "auction_events")
	defer p.Close()

	if got := p.Channel("item-1"); got != "auction_events:item-1" {
		t.Errorf("Channel() = %q, want %q", got, "auction_events:item-1")
	}
	if err := p.Publish(context.Background()); err != nil {
		t.Errorf("Publish() with no events error = %v", err)
	}
}

func TestPublisher_PublishSubscribe(t *testing.T) {
	p := newTestPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	sub := p.Subscribe(ctx, "item-1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("waiting for subscription: %v", err)
	}

	e, err := event.New("item-1", event.BidPlaced, 2, time.Now(), event.BidPlacedData{BidID: "bid-1"})
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	other, err := event.New("item-2", event.BidPlaced, 2, time.Now(), event.BidPlacedData{BidID: "bid-2"})
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := p.Publish(ctx, e, other); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	var got event.Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	if got.ID != e.ID || got.Type != event.BidPlaced {
		t.Errorf("received %+v, want event %s", got, e.ID)
	}
}
