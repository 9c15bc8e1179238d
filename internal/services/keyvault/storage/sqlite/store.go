// Package sqlite implements the tenant key store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for wrapped tenant keys.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ storage.KeyStore        = (*Store)(nil)
	_ storage.LockingKeyStore = (*Store)(nil)
)

// Open opens a SQLite key store at the provided path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// InsertKey stores a new key version.
func (s *Store) InsertKey(ctx context.Context, record storage.KeyRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return insertKey(ctx, s.sqlDB, record)
}

// GetKey loads one key version.
func (s *Store) GetKey(ctx context.Context, tenantID int64, version int) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	return getKey(ctx, s.sqlDB, tenantID, version)
}

// LatestKey loads the tenant's highest key version.
func (s *Store) LatestKey(ctx context.Context, tenantID int64) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	return latestKey(ctx, s.sqlDB, tenantID)
}

// ListKeys returns every key version for the tenant.
func (s *Store) ListKeys(ctx context.Context, tenantID int64) ([]storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = ?
ORDER BY version
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant keys tenant_id=%d: %w", tenantID, err)
	}
	defer rows.Close()

	var records []storage.KeyRecord
	for rows.Next() {
		record, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant key: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant keys: %w", err)
	}
	return records, nil
}

// DestroyKey shreds one key version and keeps its tombstone row.
func (s *Store) DestroyKey(ctx context.Context, tenantID int64, version int, destroyedAt time.Time) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE tenant_keys
SET wrapped_key = X'', destroyed_at = ?
WHERE tenant_id = ? AND version = ? AND destroyed_at IS NULL
`, toUnix(destroyedAt), tenantID, version); err != nil {
		return storage.KeyRecord{}, fmt.Errorf("destroy tenant key tenant_id=%d version=%d: %w", tenantID, version, err)
	}
	return getKey(ctx, s.sqlDB, tenantID, version)
}

// CreateLocked chooses and inserts the next version inside one IMMEDIATE
// transaction.
func (s *Store) CreateLocked(ctx context.Context, tenantID int64, fn func(latest *storage.KeyRecord) (*storage.KeyRecord, error)) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	if fn == nil {
		return storage.KeyRecord{}, fmt.Errorf("create function is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.KeyRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest *storage.KeyRecord
	record, err := latestKey(ctx, tx, tenantID)
	switch {
	case err == nil:
		latest = &record
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.KeyRecord{}, err
	}

	next, err := fn(latest)
	if err != nil {
		return storage.KeyRecord{}, err
	}
	if next == nil {
		if latest == nil {
			return storage.KeyRecord{}, storage.ErrNotFound
		}
		return *latest, nil
	}
	if err := insertKey(ctx, tx, *next); err != nil {
		return storage.KeyRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.KeyRecord{}, fmt.Errorf("commit: %w", err)
	}
	return *next, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertKey(ctx context.Context, q queryer, record storage.KeyRecord) error {
	var destroyedAt sql.NullInt64
	if record.DestroyedAt != nil {
		destroyedAt = sql.NullInt64{Int64: toUnix(*record.DestroyedAt), Valid: true}
	}
	wrapped := record.WrappedKey
	if wrapped == nil {
		wrapped = []byte{}
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO tenant_keys (
	tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		record.TenantID,
		record.Version,
		string(record.Algorithm),
		record.MasterKeyID,
		wrapped,
		toUnix(record.CreatedAt),
		destroyedAt,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("insert tenant key tenant_id=%d version=%d: %w", record.TenantID, record.Version, storage.ErrVersionConflict)
		}
		return fmt.Errorf("insert tenant key tenant_id=%d version=%d: %w", record.TenantID, record.Version, err)
	}
	return nil
}

func getKey(ctx context.Context, q queryer, tenantID int64, version int) (storage.KeyRecord, error) {
	record, err := scanKey(q.QueryRowContext(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = ? AND version = ?
`, tenantID, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.KeyRecord{}, storage.ErrNotFound
		}
		return storage.KeyRecord{}, fmt.Errorf("get tenant key tenant_id=%d version=%d: %w", tenantID, version, err)
	}
	return record, nil
}

func latestKey(ctx context.Context, q queryer, tenantID int64) (storage.KeyRecord, error) {
	record, err := scanKey(q.QueryRowContext(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = ?
ORDER BY version DESC
LIMIT 1
`, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.KeyRecord{}, storage.ErrNotFound
		}
		return storage.KeyRecord{}, fmt.Errorf("load latest tenant key tenant_id=%d: %w", tenantID, err)
	}
	return record, nil
}

func scanKey(row rowScanner) (storage.KeyRecord, error) {
	var (
		record      storage.KeyRecord
		algorithm   string
		createdAt   int64
		destroyedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.TenantID,
		&record.Version,
		&algorithm,
		&record.MasterKeyID,
		&record.WrappedKey,
		&createdAt,
		&destroyedAt,
	); err != nil {
		return storage.KeyRecord{}, err
	}
	record.Algorithm = field.Algorithm(algorithm)
	record.CreatedAt = fromUnix(createdAt)
	if destroyedAt.Valid {
		value := fromUnix(destroyedAt.Int64)
		record.DestroyedAt = &value
	}
	return record, nil
}

func toUnix(value time.Time) int64 {
	return value.UTC().Unix()
}

func fromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
