// Package db provides the Postgres connection and schema migration for the
// key-value blob store backing credentials and templates.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens the Postgres pool for the configured DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes. The whole durable state of the
// service is string-keyed JSON blobs, so the schema is a single kv table.
func Migrate(ctx context.Context, dbx *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, q := range stmts {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := dbx.ExecContext(cctx, q)
		cancel()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
