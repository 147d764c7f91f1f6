package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
	"github.com/jensholdgaard/auctionhouse/internal/store/postgres"
	"github.com/jensholdgaard/auctionhouse/internal/store/sqlstore"
	"github.com/jensholdgaard/auctionhouse/internal/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	db := newTestDB(t)

	storetest.Run(t, func(t *testing.T, clk clock.Clock) *store.Repositories {
		t.Helper()
		if _, err := db.ExecContext(context.Background(), `TRUNCATE favorites, reviews, bids, items, users`); err != nil {
			t.Fatalf("truncating tables: %v", err)
		}
		return sqlstore.NewRepositories(db, postgres.Dialect, clk)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := postgres.Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestOpen_ThroughRegistry(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	repos, err := store.Open(ctx, cfg, clock.Real{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repos.Closer.Close()

	if err := repos.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := repos.Users.GetByID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}
