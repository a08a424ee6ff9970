package synckitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    key_hash TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    created_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_owner ON refresh_tokens (owner_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_created ON refresh_tokens (created_at_unix);
`)
	return err
}
