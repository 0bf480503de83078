package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres stores keys in the kv table (see db.Migrate). Set is an upsert, so
// a key is always either its old full value or its new full value, never a
// partial write.
type Postgres struct {
	DB *sql.DB
}

func NewPostgres(dbx *sql.DB) *Postgres { return &Postgres{DB: dbx} }

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, key)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
