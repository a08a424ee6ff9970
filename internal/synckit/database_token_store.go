package synckit

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
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseRefreshTokenStore persists refresh tokens using GORM. Each renewal
// runs inside one database transaction so the consume/insert pair is atomic.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRecord struct {
	KeyHash       string `gorm:"column:key_hash;primaryKey"`
	OwnerID       string `gorm:"column:owner_id;index;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore constructs a GORM-backed store for the URL.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseRefreshTokenStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	dialector, driverLabel, err := ResolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Begin opens a database transaction scoped to one renewal or logout.
func (store *DatabaseRefreshTokenStore) Begin(ctx context.Context) (RefreshTokenTx, error) {
	tx := store.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("token_store.begin.%s: %w", store.driverLabel, tx.Error)
	}
	return &databaseTokenTx{tx: tx, store: store}, nil
}

type databaseTokenTx struct {
	tx    *gorm.DB
	store *DatabaseRefreshTokenStore
}

func (tx *databaseTokenTx) DeleteIssuedBefore(cutoff time.Time) error {
	result := tx.tx.Where("created_at_unix < ?", cutoff.Unix()).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return fmt.Errorf("token_store.sweep.%s: %w", tx.store.driverLabel, result.Error)
	}
	return nil
}

func (tx *databaseTokenTx) Consume(ownerID string, refreshKey string) error {
	result := tx.tx.Where("owner_id = ? AND key_hash = ?", ownerID, hashRefreshKey(refreshKey)).
		Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return fmt.Errorf("token_store.consume.%s: %w", tx.store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (tx *databaseTokenTx) Insert(ownerID string) (string, error) {
	refreshKey, keyHash, randomErr := generateRefreshKey()
	if randomErr != nil {
		return "", fmt.Errorf("token_store.insert.%s: %w", tx.store.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		KeyHash:       keyHash,
		OwnerID:       ownerID,
		CreatedAtUnix: tx.store.clock.Now().Unix(),
	}
	if err := tx.tx.Create(&record).Error; err != nil {
		return "", fmt.Errorf("token_store.insert.%s: %w", tx.store.driverLabel, err)
	}
	return refreshKey, nil
}

func (tx *databaseTokenTx) DeleteAllForOwner(ownerID string) error {
	result := tx.tx.Where("owner_id = ?", ownerID).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return fmt.Errorf("token_store.delete_owner.%s: %w", tx.store.driverLabel, result.Error)
	}
	return nil
}

func (tx *databaseTokenTx) Commit() error {
	if err := tx.tx.Commit().Error; err != nil {
		return fmt.Errorf("token_store.commit.%s: %w", tx.store.driverLabel, err)
	}
	return nil
}

func (tx *databaseTokenTx) Rollback() error {
	if err := tx.tx.Rollback().Error; err != nil {
		return fmt.Errorf("token_store.rollback.%s: %w", tx.store.driverLabel, err)
	}
	return nil
}

// ResolveDialector maps a database URL onto a GORM dialector by scheme.
// Shared with the entity store so both land on the same database.
func ResolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
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
