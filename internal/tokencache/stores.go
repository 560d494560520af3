package tokencache

import (
	"context"
	"errors"
	"time"
)

// PartitionKey is the fixed partition every token cache record lives under.
const PartitionKey = "msalTokenCache"

var (
	// ErrRecordNotFound indicates no record exists for the user; callers treat it as an empty cache.
	ErrRecordNotFound = errors.New("token_cache_store.not_found")
	// ErrRecordReadFailed indicates the backing store could not be read.
	ErrRecordReadFailed = errors.New("token_cache_store.read_failed")
	// ErrRecordWriteFailed indicates the backing store rejected or failed a write.
	ErrRecordWriteFailed = errors.New("token_cache_store.write_failed")
	// ErrVersionConflict indicates the stored record changed since the caller last observed it.
	ErrVersionConflict = errors.New("token_cache_store.version_conflict")
	// ErrEmptyUserID indicates that a record operation was attempted without a user id.
	ErrEmptyUserID = errors.New("token_cache_store.empty_user_id")
)

// Record is the persisted token cache state of one user.
type Record struct {
	UserID     string
	CacheBytes []byte
	LastWrite  time.Time
	// Version is assigned by the store: 1 on create, incremented on every replace.
	// On Upsert it carries the version the caller expects to replace (0 when absent).
	Version int64
}

// RecordStore persists one opaque token cache blob per user.
type RecordStore interface {
	// Get returns ErrRecordNotFound when the user has no record and wraps
	// ErrRecordReadFailed for storage failures.
	Get(ctx context.Context, userID string) (Record, error)
	// Upsert creates or replaces the record when the stored version equals record.Version
	// and returns the stored record.
	Upsert(ctx context.Context, record Record) (Record, error)
}
