// Package tokencachepg stores token cache records in PostgreSQL through pgx.
package tokencachepg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/msalcache/internal/tokencache"
)

// PostgresRecordStore persists token cache records in PostgreSQL.
type PostgresRecordStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ tokencache.RecordStore = (*PostgresRecordStore)(nil)

// NewPostgresRecordStore constructs a Postgres store.
func NewPostgresRecordStore(pool *pgxpool.Pool) *PostgresRecordStore {
	return &PostgresRecordStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Driver exposes the driver label used in error codes and logs.
func (store *PostgresRecordStore) Driver() string {
	return "pgx"
}

// Get loads the record stored for the user.
func (store *PostgresRecordStore) Get(ctx context.Context, userID string) (tokencache.Record, error) {
	if strings.TrimSpace(userID) == "" {
		return tokencache.Record{}, fmt.Errorf("token_cache_store.get.pgx: %w", tokencache.ErrEmptyUserID)
	}
	record := tokencache.Record{UserID: userID}
	row := store.pool.QueryRow(ctx, `
SELECT cache_bits, last_write, version
FROM msal_token_cache
WHERE partition_key = $1 AND row_key = $2
`, tokencache.PartitionKey, userID)
	if scanErr := row.Scan(&record.CacheBytes, &record.LastWrite, &record.Version); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return tokencache.Record{}, fmt.Errorf("token_cache_store.get.pgx: %w", tokencache.ErrRecordNotFound)
		}
		return tokencache.Record{}, fmt.Errorf("token_cache_store.get.pgx: %w: %w", tokencache.ErrRecordReadFailed, scanErr)
	}
	record.LastWrite = record.LastWrite.UTC()
	return record, nil
}

// Upsert inserts the record when absent or replaces it when the stored version matches.
func (store *PostgresRecordStore) Upsert(ctx context.Context, record tokencache.Record) (tokencache.Record, error) {
	if strings.TrimSpace(record.UserID) == "" {
		return tokencache.Record{}, fmt.Errorf("token_cache_store.upsert.pgx: %w", tokencache.ErrEmptyUserID)
	}
	now := store.now()
	nextVersion := record.Version + 1

	var statement string
	var arguments []any
	if record.Version == 0 {
		statement = `
INSERT INTO msal_token_cache (partition_key, row_key, cache_bits, last_write, version)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (partition_key, row_key) DO NOTHING
`
		arguments = []any{tokencache.PartitionKey, record.UserID, record.CacheBytes, now}
	} else {
		statement = `
UPDATE msal_token_cache
SET cache_bits = $3, last_write = $4, version = $5
WHERE partition_key = $1 AND row_key = $2 AND version = $6
`
		arguments = []any{tokencache.PartitionKey, record.UserID, record.CacheBytes, now, nextVersion, record.Version}
	}

	tag, execErr := store.pool.Exec(ctx, statement, arguments...)
	if execErr != nil {
		return tokencache.Record{}, fmt.Errorf("token_cache_store.upsert.pgx: %w: %w", tokencache.ErrRecordWriteFailed, execErr)
	}
	if tag.RowsAffected() == 0 {
		return tokencache.Record{}, fmt.Errorf("token_cache_store.upsert.pgx: %w (expected %d)", tokencache.ErrVersionConflict, record.Version)
	}
	return tokencache.Record{
		UserID:     record.UserID,
		CacheBytes: record.CacheBytes,
		LastWrite:  now,
		Version:    nextVersion,
	}, nil
}
