// Package sqlstore implements the store repositories on top of sqlx. Queries
// are written with '?' placeholders and rebound for the connected dialect, so
// the same repositories serve the postgres and sqlite drivers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// Dialect captures the driver specific bits the repositories need.
type Dialect struct {
	Name string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(err error) bool
}

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewRepositories wires every repository to db.
func NewRepositories(db *sqlx.DB, d Dialect, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Users:     NewUserRepo(db, d, clk),
		Items:     NewItemRepo(db, d, clk),
		Reviews:   NewReviewRepo(db, d, clk),
		Favorites: NewFavoriteRepo(db, clk),
		Closer:    closerFunc(db.Close),
		Ping:      db.PingContext,
	}
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// notFound maps sql.ErrNoRows onto store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// expectOne returns store.ErrConflict unless exactly one row was affected.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n != 1 {
		return store.ErrConflict
	}
	return nil
}
