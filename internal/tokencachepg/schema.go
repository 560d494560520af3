package tokencachepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the token cache table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS msal_token_cache (
    partition_key TEXT NOT NULL,
    row_key TEXT NOT NULL,
    cache_bits BYTEA,
    last_write TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL,
    PRIMARY KEY (partition_key, row_key)
);
`)
	return err
}
