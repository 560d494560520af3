package tokencache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRecordStore is an in-memory store intended for tests and dev.
type MemoryRecordStore struct {
	mutex   sync.Mutex
	records map[string]*memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	CacheBytes []byte
	LastWrite  time.Time
	Version    int64
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*memoryRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the stored record.
func (store *MemoryRecordStore) Get(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("token_cache_store.get.memory: %w", ErrEmptyUserID)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("token_cache_store.get.memory: %w: %w", ErrRecordReadFailed, err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	rec := store.records[userID]
	if rec == nil {
		return Record{}, fmt.Errorf("token_cache_store.get.memory: %w", ErrRecordNotFound)
	}
	return Record{
		UserID:     userID,
		CacheBytes: cloneBytes(rec.CacheBytes),
		LastWrite:  rec.LastWrite,
		Version:    rec.Version,
	}, nil
}

// Upsert replaces the record when its version matches the stored one.
func (store *MemoryRecordStore) Upsert(ctx context.Context, record Record) (Record, error) {
	if strings.TrimSpace(record.UserID) == "" {
		return Record{}, fmt.Errorf("token_cache_store.upsert.memory: %w", ErrEmptyUserID)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("token_cache_store.upsert.memory: %w: %w", ErrRecordWriteFailed, err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var storedVersion int64
	if existing := store.records[record.UserID]; existing != nil {
		storedVersion = existing.Version
	}
	if storedVersion != record.Version {
		return Record{}, fmt.Errorf("token_cache_store.upsert.memory: %w (expected %d, stored %d)", ErrVersionConflict, record.Version, storedVersion)
	}
	next := &memoryRecord{
		CacheBytes: cloneBytes(record.CacheBytes),
		LastWrite:  store.now(),
		Version:    storedVersion + 1,
	}
	store.records[record.UserID] = next
	return Record{
		UserID:     record.UserID,
		CacheBytes: cloneBytes(next.CacheBytes),
		LastWrite:  next.LastWrite,
		Version:    next.Version,
	}, nil
}

func cloneBytes(source []byte) []byte {
	if source == nil {
		return nil
	}
	clone := make([]byte, len(source))
	copy(clone, source)
	return clone
}
