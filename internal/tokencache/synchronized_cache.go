package tokencache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"go.uber.org/zap"
)

const (
	// DefaultStoreTimeout bounds every durable read and write.
	DefaultStoreTimeout = 5 * time.Second

	maxPersistAttempts = 3
)

var (
	// ErrMissingStore indicates that a Provider was built without a RecordStore.
	ErrMissingStore = errors.New("token_cache.missing_store")
	// ErrPersistFailed wraps every failure to write the cache back to the store.
	ErrPersistFailed = errors.New("token_cache.persist_failed")
)

// emptyCacheState is what the identity library serializes for a cache holding nothing.
var emptyCacheState = []byte("{}")

// MergeFunc reconciles the local serialized cache with a newer stored one after a
// version conflict and returns the bytes to write.
type MergeFunc func(local []byte, stored []byte) ([]byte, error)

// KeepLocal resolves conflicts in favour of the local state. The local state was
// loaded from the store right before the identity library changed it, so it
// already carries everything except a write that raced in between.
func KeepLocal(local []byte, _ []byte) ([]byte, error) {
	return local, nil
}

// Options tunes a Provider. Zero values pick defaults.
type Options struct {
	Logger       *zap.Logger
	Metrics      MetricsRecorder
	StoreTimeout time.Duration
	// EmptyState is unmarshaled into the in-memory cache when no usable record exists.
	EmptyState []byte
	Merge      MergeFunc
}

// Provider creates per-user SynchronizedCache values that share one store and one
// process-wide KeyedLocker.
type Provider struct {
	store        RecordStore
	locker       *KeyedLocker
	logger       *zap.Logger
	metrics      MetricsRecorder
	storeTimeout time.Duration
	emptyState   []byte
	merge        MergeFunc
}

// NewProvider validates the options and builds a Provider.
func NewProvider(store RecordStore, options Options) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("token_cache.new_provider: %w", ErrMissingStore)
	}
	provider := &Provider{
		store:        store,
		locker:       NewKeyedLocker(),
		logger:       options.Logger,
		metrics:      options.Metrics,
		storeTimeout: options.StoreTimeout,
		emptyState:   options.EmptyState,
		merge:        options.Merge,
	}
	if provider.logger == nil {
		provider.logger = zap.NewNop()
	}
	if provider.metrics == nil {
		provider.metrics = noopMetrics{}
	}
	if provider.storeTimeout <= 0 {
		provider.storeTimeout = DefaultStoreTimeout
	}
	if provider.emptyState == nil {
		provider.emptyState = emptyCacheState
	}
	if provider.merge == nil {
		provider.merge = KeepLocal
	}
	return provider, nil
}

// Store exposes the backing record store.
func (provider *Provider) Store() RecordStore {
	return provider.store
}

// ForUser returns a cache bound to userID.
func (provider *Provider) ForUser(userID string) (*SynchronizedCache, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_cache.for_user: %w", ErrEmptyUserID)
	}
	return &SynchronizedCache{
		provider: provider,
		userID:   userID,
		logger:   provider.logger.With(zap.String("user_id", userID)),
	}, nil
}

// SynchronizedCache keeps the identity library's in-memory cache for one user in
// step with the durable record. It implements cache.ExportReplace: the library
// calls Replace before it reads its cache and Export after it wrote to it.
type SynchronizedCache struct {
	provider *Provider
	userID   string
	logger   *zap.Logger

	observedVersion atomic.Int64

	pendingMutex sync.Mutex
	pendingErr   error
}

var _ cache.ExportReplace = (*SynchronizedCache)(nil)

// UserID returns the user this cache belongs to.
func (synchronized *SynchronizedCache) UserID() string {
	return synchronized.userID
}

// Load re-reads the durable record into target under the user's shared lock.
// Absent records, read failures, and undecodable blobs all leave target empty;
// only a failure to reset target is returned.
func (synchronized *SynchronizedCache) Load(ctx context.Context, target cache.Unmarshaler) error {
	if target == nil {
		return errors.New("token_cache.load: nil target")
	}
	release := synchronized.provider.locker.RLock(synchronized.userID)
	defer release()

	storeCtx, cancel := context.WithTimeout(ctx, synchronized.provider.storeTimeout)
	defer cancel()

	record, err := synchronized.provider.store.Get(storeCtx, synchronized.userID)
	switch {
	case err == nil:
		synchronized.observedVersion.Store(record.Version)
		if len(record.CacheBytes) == 0 {
			synchronized.provider.metrics.Increment(MetricLoadMiss)
			return synchronized.resetEmpty(target)
		}
		if unmarshalErr := target.Unmarshal(record.CacheBytes); unmarshalErr != nil {
			synchronized.provider.metrics.Increment(MetricLoadCorrupt)
			synchronized.logger.Error("token cache blob rejected by identity library",
				zap.String("code", "token_cache.load.corrupt"),
				zap.Int64("version", record.Version),
				zap.Error(unmarshalErr))
			return synchronized.resetEmpty(target)
		}
		synchronized.provider.metrics.Increment(MetricLoadHit)
		return nil
	case errors.Is(err, ErrRecordNotFound):
		synchronized.observedVersion.Store(0)
		synchronized.provider.metrics.Increment(MetricLoadMiss)
		return synchronized.resetEmpty(target)
	default:
		synchronized.observedVersion.Store(0)
		synchronized.provider.metrics.Increment(MetricLoadReadFailed)
		synchronized.logger.Warn("token cache read failed; continuing with empty cache",
			zap.String("code", "token_cache.load.read_failed"),
			zap.Error(err))
		return synchronized.resetEmpty(target)
	}
}

// Persist writes the serialized source back to the store under the user's
// exclusive lock. Version conflicts are merged and retried; any final failure is
// returned and also kept for TakePersistError.
func (synchronized *SynchronizedCache) Persist(ctx context.Context, source cache.Marshaler) error {
	if source == nil {
		return errors.New("token_cache.persist: nil source")
	}
	release := synchronized.provider.locker.Lock(synchronized.userID)
	defer release()

	data, marshalErr := source.Marshal()
	if marshalErr != nil {
		return synchronized.failPersist(fmt.Errorf("%w: marshal: %w", ErrPersistFailed, marshalErr))
	}

	storeCtx, cancel := context.WithTimeout(ctx, synchronized.provider.storeTimeout)
	defer cancel()

	stored, writeErr := synchronized.writeWithRetry(storeCtx, Record{
		UserID:     synchronized.userID,
		CacheBytes: data,
		Version:    synchronized.observedVersion.Load(),
	})
	if writeErr != nil {
		return synchronized.failPersist(fmt.Errorf("%w: %w", ErrPersistFailed, writeErr))
	}
	synchronized.observedVersion.Store(stored.Version)
	synchronized.provider.metrics.Increment(MetricPersistOK)
	synchronized.logger.Debug("token cache persisted",
		zap.Int64("version", stored.Version),
		zap.Int("bytes", len(stored.CacheBytes)))
	return nil
}

func (synchronized *SynchronizedCache) writeWithRetry(ctx context.Context, record Record) (Record, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		stored, err := synchronized.provider.store.Upsert(ctx, record)
		if err == nil {
			return stored, nil
		}
		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			return Record{}, err
		}
		synchronized.provider.metrics.Increment(MetricPersistConflict)
		synchronized.logger.Warn("token cache version conflict",
			zap.String("code", "token_cache.persist.conflict"),
			zap.Int("attempt", attempt),
			zap.Int64("expected_version", record.Version))

		current, getErr := synchronized.provider.store.Get(ctx, synchronized.userID)
		switch {
		case getErr == nil:
			merged, mergeErr := synchronized.provider.merge(record.CacheBytes, current.CacheBytes)
			if mergeErr != nil {
				return Record{}, fmt.Errorf("merge: %w", mergeErr)
			}
			record.CacheBytes = merged
			record.Version = current.Version
		case errors.Is(getErr, ErrRecordNotFound):
			record.Version = 0
		default:
			return Record{}, getErr
		}
	}
	return Record{}, lastErr
}

// OnBeforeAccess pulls the freshest durable state in before the library reads.
func (synchronized *SynchronizedCache) OnBeforeAccess(ctx context.Context, target cache.Unmarshaler) error {
	return synchronized.Load(ctx, target)
}

// OnAfterAccess flushes the cache when the access changed it.
func (synchronized *SynchronizedCache) OnAfterAccess(ctx context.Context, source cache.Marshaler, stateChanged bool) error {
	if !stateChanged {
		return nil
	}
	return synchronized.Persist(ctx, source)
}

// Replace implements cache.ExportReplace.
func (synchronized *SynchronizedCache) Replace(ctx context.Context, target cache.Unmarshaler, hints cache.ReplaceHints) error {
	return synchronized.OnBeforeAccess(ctx, target)
}

// Export implements cache.ExportReplace. The library only exports after writing.
func (synchronized *SynchronizedCache) Export(ctx context.Context, source cache.Marshaler, hints cache.ExportHints) error {
	return synchronized.OnAfterAccess(ctx, source, true)
}

// TakePersistError returns and clears the last persist failure, if any.
func (synchronized *SynchronizedCache) TakePersistError() error {
	synchronized.pendingMutex.Lock()
	defer synchronized.pendingMutex.Unlock()
	err := synchronized.pendingErr
	synchronized.pendingErr = nil
	return err
}

func (synchronized *SynchronizedCache) failPersist(err error) error {
	synchronized.provider.metrics.Increment(MetricPersistFailed)
	synchronized.logger.Error("token cache persist failed",
		zap.String("code", "token_cache.persist.failed"),
		zap.Error(err))
	synchronized.pendingMutex.Lock()
	synchronized.pendingErr = err
	synchronized.pendingMutex.Unlock()
	return err
}

func (synchronized *SynchronizedCache) resetEmpty(target cache.Unmarshaler) error {
	if err := target.Unmarshal(synchronized.provider.emptyState); err != nil {
		return fmt.Errorf("token_cache.load.reset: %w", err)
	}
	return nil
}
