// Package store is the persistence facade of the gateway: the Postgres
// metadata repositories, the S3-compatible blob store, and the Redis cache.
// The metadata store is the source of truth; cache entries are advisory
// projections invalidated on every write.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned by repository lookups of unknown ids.
var ErrNotFound = errors.New("record not found")

// Open connects to the Postgres metadata store.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	var db, err = sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}
	return db, nil
}

// Migrate applies embedded schema migrations.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
