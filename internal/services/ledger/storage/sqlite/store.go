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
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for tenant audit chains.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ storage.EntryStore   = (*Store)(nil)
	_ storage.LockingStore = (*Store)(nil)
)

// Open opens a SQLite ledger store at the provided path and applies the
// embedded migrations.
//
// Transactions begin IMMEDIATE so the append read-compute-write section holds
// SQLite's write lock from its first read; concurrent appenders queue on
// busy_timeout instead of failing to upgrade a read lock.
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

// Close closes the underlying SQLite database. It is nil-safe so callers can
// defer it in all startup paths.
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

// InsertEntry stores a new entry.
func (s *Store) InsertEntry(ctx context.Context, entry chain.StoredEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return insertEntry(ctx, s.sqlDB, entry)
}

// GetEntry loads one entry by tenant and sequence.
func (s *Store) GetEntry(ctx context.Context, tenantID, sequenceNumber int64) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = ? AND sequence_number = ?
`, tenantID, sequenceNumber)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chain.StoredEntry{}, storage.ErrNotFound
		}
		return chain.StoredEntry{}, fmt.Errorf("get ledger entry tenant_id=%d seq=%d: %w", tenantID, sequenceNumber, err)
	}
	return entry, nil
}

// LatestEntry loads the tenant's highest-sequence entry.
func (s *Store) LatestEntry(ctx context.Context, tenantID int64) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	return latestEntry(ctx, s.sqlDB, tenantID)
}

// ListEntries returns the tenant's entries in [fromSequence, toSequence].
func (s *Store) ListEntries(ctx context.Context, tenantID, fromSequence, toSequence int64) ([]chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = ? AND sequence_number BETWEEN ? AND ?
ORDER BY sequence_number
`, tenantID, fromSequence, toSequence)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries tenant_id=%d: %w", tenantID, err)
	}
	defer rows.Close()

	var entries []chain.StoredEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// AppendLocked runs the read-compute-write section of an append inside one
// IMMEDIATE transaction.
func (s *Store) AppendLocked(ctx context.Context, tenantID int64, fn func(latest *chain.Entry) (chain.StoredEntry, error)) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	if fn == nil {
		return chain.StoredEntry{}, fmt.Errorf("append function is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return chain.StoredEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest *chain.Entry
	stored, err := latestEntry(ctx, tx, tenantID)
	switch {
	case err == nil:
		latest = &stored.Entry
	case errors.Is(err, storage.ErrNotFound):
	default:
		return chain.StoredEntry{}, err
	}

	next, err := fn(latest)
	if err != nil {
		return chain.StoredEntry{}, err
	}
	if err := insertEntry(ctx, tx, next); err != nil {
		return chain.StoredEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return chain.StoredEntry{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
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

func insertEntry(ctx context.Context, q queryer, entry chain.StoredEntry) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO ledger_entries (
	tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		entry.TenantID,
		entry.SequenceNumber,
		entry.EntryHash,
		entry.PreviousHash,
		entry.Payload,
		toUnix(entry.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("insert ledger entry tenant_id=%d seq=%d: %w", entry.TenantID, entry.SequenceNumber, storage.ErrSequenceConflict)
		}
		return fmt.Errorf("insert ledger entry tenant_id=%d seq=%d: %w", entry.TenantID, entry.SequenceNumber, err)
	}
	return nil
}

func latestEntry(ctx context.Context, q queryer, tenantID int64) (chain.StoredEntry, error) {
	row := q.QueryRowContext(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = ?
ORDER BY sequence_number DESC
LIMIT 1
`, tenantID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chain.StoredEntry{}, storage.ErrNotFound
		}
		return chain.StoredEntry{}, fmt.Errorf("load latest ledger entry tenant_id=%d: %w", tenantID, err)
	}
	return entry, nil
}

func scanEntry(row rowScanner) (chain.StoredEntry, error) {
	var (
		entry     chain.StoredEntry
		createdAt int64
	)
	if err := row.Scan(
		&entry.TenantID,
		&entry.SequenceNumber,
		&entry.EntryHash,
		&entry.PreviousHash,
		&entry.Payload,
		&createdAt,
	); err != nil {
		return chain.StoredEntry{}, err
	}
	entry.CreatedAt = fromUnix(createdAt)
	return entry, nil
}

// Timestamps are stored as Unix seconds, the precision the chain hashes.
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
