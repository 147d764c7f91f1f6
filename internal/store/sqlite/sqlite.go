// Package sqlite provides a store.Driver backed by an embedded SQLite
// database through modernc.org/sqlite, instrumented with otelsql. It shares
// the sqlx repositories with the postgres driver.
package sqlite

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/store"
	"github.com/jensholdgaard/auctionhouse/internal/store/sqlstore"
)

//go:embed schema.sql
var schema string

// Dialect is the sqlstore dialect for SQLite.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
}

func init() {
	store.Register("sqlite", openSQLite)
}

// openSQLite is the store.Driver for the "sqlite" backend.
func openSQLite(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewRepositories(db, Dialect, clk), nil
}

// Connect opens the database at path, sets pragmas and applies the schema.
// All access goes through a single connection, which also keeps an
// in-memory database alive for the lifetime of the pool.
func Connect(ctx context.Context, path string) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("sqlite", path,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	db := sqlx.NewDb(sqlDB, "sqlite3")

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
