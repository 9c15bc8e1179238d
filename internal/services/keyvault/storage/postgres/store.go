// Package postgres implements the tenant key store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
)

//go:embed migrations/001_tenant_keys.sql
var migration001 string

const uniqueViolation = "23505"

// Store provides PostgreSQL-backed persistence for wrapped tenant keys.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.KeyStore        = (*Store)(nil)
	_ storage.LockingKeyStore = (*Store)(nil)
)

// Open connects to PostgreSQL and applies the key store migration.
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, migration001); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply key store migration 001: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Pool exposes the connection pool for maintenance queries.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// InsertKey stores a new key version.
func (s *Store) InsertKey(ctx context.Context, record storage.KeyRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return insertKey(ctx, s.pool, record)
}

// GetKey loads one key version.
func (s *Store) GetKey(ctx context.Context, tenantID int64, version int) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	return getKey(ctx, s.pool, tenantID, version)
}

// LatestKey loads the tenant's highest key version.
func (s *Store) LatestKey(ctx context.Context, tenantID int64) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	return latestKey(ctx, s.pool, tenantID)
}

// ListKeys returns every key version for the tenant.
func (s *Store) ListKeys(ctx context.Context, tenantID int64) ([]storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = $1
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
	if _, err := s.pool.Exec(ctx, `
UPDATE tenant_keys
SET wrapped_key = ''::bytea, destroyed_at = $3
WHERE tenant_id = $1 AND version = $2 AND destroyed_at IS NULL
`, tenantID, version, destroyedAt.UTC()); err != nil {
		return storage.KeyRecord{}, fmt.Errorf("destroy tenant key tenant_id=%d version=%d: %w", tenantID, version, err)
	}
	return getKey(ctx, s.pool, tenantID, version)
}

// CreateLocked holds a transaction-scoped advisory lock on the tenant's key
// space while choosing and inserting the next version.
func (s *Store) CreateLocked(ctx context.Context, tenantID int64, fn func(latest *storage.KeyRecord) (*storage.KeyRecord, error)) (storage.KeyRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.KeyRecord{}, err
	}
	if fn == nil {
		return storage.KeyRecord{}, fmt.Errorf("create function is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storage.KeyRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Key locks use the negated tenant id; the ledger owns the positive range.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::bigint)`, -tenantID); err != nil {
		return storage.KeyRecord{}, fmt.Errorf("lock tenant_id=%d: %w", tenantID, err)
	}

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
	if err := tx.Commit(ctx); err != nil {
		return storage.KeyRecord{}, fmt.Errorf("commit: %w", err)
	}
	return *next, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertKey(ctx context.Context, q queryer, record storage.KeyRecord) error {
	var destroyedAt *time.Time
	if record.DestroyedAt != nil {
		value := record.DestroyedAt.UTC()
		destroyedAt = &value
	}
	wrapped := record.WrappedKey
	if wrapped == nil {
		wrapped = []byte{}
	}
	_, err := q.Exec(ctx, `
INSERT INTO tenant_keys (
  tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
`, record.TenantID, record.Version, string(record.Algorithm), record.MasterKeyID, wrapped, record.CreatedAt.UTC(), destroyedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert tenant key tenant_id=%d version=%d: %w", record.TenantID, record.Version, storage.ErrVersionConflict)
		}
		return fmt.Errorf("insert tenant key tenant_id=%d version=%d: %w", record.TenantID, record.Version, err)
	}
	return nil
}

func getKey(ctx context.Context, q queryer, tenantID int64, version int) (storage.KeyRecord, error) {
	record, err := scanKey(q.QueryRow(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = $1 AND version = $2
`, tenantID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.KeyRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.KeyRecord{}, fmt.Errorf("get tenant key tenant_id=%d version=%d: %w", tenantID, version, err)
	}
	return record, nil
}

func latestKey(ctx context.Context, q queryer, tenantID int64) (storage.KeyRecord, error) {
	record, err := scanKey(q.QueryRow(ctx, `
SELECT tenant_id, version, algorithm, master_key_id, wrapped_key, created_at, destroyed_at
FROM tenant_keys
WHERE tenant_id = $1
ORDER BY version DESC
LIMIT 1
`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.KeyRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.KeyRecord{}, fmt.Errorf("load latest tenant key tenant_id=%d: %w", tenantID, err)
	}
	return record, nil
}

func scanKey(row pgx.Row) (storage.KeyRecord, error) {
	var (
		record      storage.KeyRecord
		algorithm   string
		createdAt   time.Time
		destroyedAt *time.Time
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
	record.CreatedAt = createdAt.UTC()
	if destroyedAt != nil {
		value := destroyedAt.UTC()
		record.DestroyedAt = &value
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation
}
