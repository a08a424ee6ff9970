package synckitpg

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mprlab/rtsync/internal/synckit"
)

// PostgresRefreshTokenStore persists refresh tokens in PostgreSQL with raw
// SQL. Renewal runs inside one pgx transaction, so two concurrent renewals
// presenting the same key serialize on the row delete and exactly one wins.
type PostgresRefreshTokenStore struct {
	pool  *pgxpool.Pool
	clock synckit.Clock
}

// NewPostgresRefreshTokenStore constructs a store over an existing pool.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool, clock synckit.Clock) *PostgresRefreshTokenStore {
	if clock == nil {
		clock = synckit.SystemClock{}
	}
	return &PostgresRefreshTokenStore{pool: pool, clock: clock}
}

// Connect opens a tuned pool against the database URL, bootstraps the
// refresh_tokens schema, and returns the ready store. The caller owns the
// pool through Close.
func Connect(ctx context.Context, databaseURL string, clock synckit.Clock) (*PostgresRefreshTokenStore, error) {
	config, parseErr := pgxpool.ParseConfig(databaseURL)
	if parseErr != nil {
		return nil, parseErr
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, poolErr := pgxpool.NewWithConfig(ctx, config)
	if poolErr != nil {
		return nil, poolErr
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, schemaErr
	}
	return NewPostgresRefreshTokenStore(pool, clock), nil
}

// Close releases the underlying pool.
func (store *PostgresRefreshTokenStore) Close() {
	store.pool.Close()
}

// Begin opens a transaction scoped to one renewal or logout.
func (store *PostgresRefreshTokenStore) Begin(ctx context.Context) (synckit.RefreshTokenTx, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTokenTx{ctx: ctx, tx: tx, clock: store.clock}, nil
}

type postgresTokenTx struct {
	ctx   context.Context
	tx    pgx.Tx
	clock synckit.Clock
}

func (tx *postgresTokenTx) DeleteIssuedBefore(cutoff time.Time) error {
	_, err := tx.tx.Exec(tx.ctx, `
DELETE FROM refresh_tokens WHERE created_at_unix < $1
`, cutoff.Unix())
	return err
}

func (tx *postgresTokenTx) Consume(ownerID string, refreshKey string) error {
	commandTag, err := tx.tx.Exec(tx.ctx, `
DELETE FROM refresh_tokens WHERE owner_id = $1 AND key_hash = $2
`, ownerID, hashKey(refreshKey))
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return synckit.ErrTokenNotFound
	}
	return nil
}

func (tx *postgresTokenTx) Insert(ownerID string) (string, error) {
	refreshKey, keyHash, err := randomKey()
	if err != nil {
		return "", err
	}
	_, execErr := tx.tx.Exec(tx.ctx, `
INSERT INTO refresh_tokens (key_hash, owner_id, created_at_unix)
VALUES ($1, $2, $3)
`, keyHash, ownerID, tx.clock.Now().Unix())
	if execErr != nil {
		return "", execErr
	}
	return refreshKey, nil
}

func (tx *postgresTokenTx) DeleteAllForOwner(ownerID string) error {
	_, err := tx.tx.Exec(tx.ctx, `
DELETE FROM refresh_tokens WHERE owner_id = $1
`, ownerID)
	return err
}

func (tx *postgresTokenTx) Commit() error {
	return tx.tx.Commit(tx.ctx)
}

func (tx *postgresTokenTx) Rollback() error {
	return tx.tx.Rollback(tx.ctx)
}

func randomKey() (string, string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", "", err
	}
	refreshKey := base64.RawURLEncoding.EncodeToString(buffer)
	return refreshKey, hashKey(refreshKey), nil
}

func hashKey(refreshKey string) string {
	sum := sha256.Sum256([]byte(refreshKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
