package tokencache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_cache_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_cache_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_cache_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_cache_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_cache_store.unsupported_no_scheme")
)

// DatabaseRecordStore persists token cache records using GORM.
type DatabaseRecordStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Driver exposes the selected database driver label.
func (store *DatabaseRecordStore) Driver() string {
	return store.driverLabel
}

type tokenCacheRow struct {
	PartitionKey string    `gorm:"column:partition_key;primaryKey"`
	RowKey       string    `gorm:"column:row_key;primaryKey"`
	CacheBits    []byte    `gorm:"column:cache_bits"`
	LastWrite    time.Time `gorm:"column:last_write;not null"`
	Version      int64     `gorm:"column:version;not null"`
}

func (tokenCacheRow) TableName() string {
	return "msal_token_cache"
}

func rowFromRecord(record Record, lastWrite time.Time, version int64) tokenCacheRow {
	return tokenCacheRow{
		PartitionKey: PartitionKey,
		RowKey:       record.UserID,
		CacheBits:    record.CacheBytes,
		LastWrite:    lastWrite,
		Version:      version,
	}
}

func (row tokenCacheRow) toRecord() Record {
	return Record{
		UserID:     row.RowKey,
		CacheBytes: row.CacheBits,
		LastWrite:  row.LastWrite.UTC(),
		Version:    row.Version,
	}
}

// NewDatabaseRecordStore constructs a GORM-backed store.
func NewDatabaseRecordStore(ctx context.Context, databaseURL string) (*DatabaseRecordStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_cache_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_cache_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&tokenCacheRow{}); migrateErr != nil {
		return nil, fmt.Errorf("token_cache_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRecordStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get loads the record stored for the user.
func (store *DatabaseRecordStore) Get(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("token_cache_store.get.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var row tokenCacheRow
	err := store.db.WithContext(ctx).
		Where("partition_key = ? AND row_key = ?", PartitionKey, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("token_cache_store.get.%s: %w", store.driverLabel, ErrRecordNotFound)
		}
		return Record{}, fmt.Errorf("token_cache_store.get.%s: %w: %w", store.driverLabel, ErrRecordReadFailed, err)
	}
	return row.toRecord(), nil
}

// Upsert inserts the record when absent or replaces it when the stored version matches.
func (store *DatabaseRecordStore) Upsert(ctx context.Context, record Record) (Record, error) {
	if strings.TrimSpace(record.UserID) == "" {
		return Record{}, fmt.Errorf("token_cache_store.upsert.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	now := store.now()
	if record.Version == 0 {
		row := rowFromRecord(record, now, 1)
		if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
			exists, existsErr := store.exists(ctx, record.UserID)
			if existsErr == nil && exists {
				return Record{}, fmt.Errorf("token_cache_store.upsert.%s: %w (expected absent)", store.driverLabel, ErrVersionConflict)
			}
			return Record{}, fmt.Errorf("token_cache_store.upsert.%s: %w: %w", store.driverLabel, ErrRecordWriteFailed, err)
		}
		return row.toRecord(), nil
	}

	nextVersion := record.Version + 1
	result := store.db.WithContext(ctx).Model(&tokenCacheRow{}).
		Where("partition_key = ? AND row_key = ? AND version = ?", PartitionKey, record.UserID, record.Version).
		Updates(map[string]any{
			"cache_bits": record.CacheBytes,
			"last_write": now,
			"version":    nextVersion,
		})
	if result.Error != nil {
		return Record{}, fmt.Errorf("token_cache_store.upsert.%s: %w: %w", store.driverLabel, ErrRecordWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, fmt.Errorf("token_cache_store.upsert.%s: %w (expected %d)", store.driverLabel, ErrVersionConflict, record.Version)
	}
	return rowFromRecord(record, now, nextVersion).toRecord(), nil
}

func (store *DatabaseRecordStore) exists(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&tokenCacheRow{}).
		Where("partition_key = ? AND row_key = ?", PartitionKey, userID).
		Count(&count).Error
	return count > 0, err
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_cache_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_cache_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_cache_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_cache_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
