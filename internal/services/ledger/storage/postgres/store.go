// Package postgres implements the ledger entry store on PostgreSQL.
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

	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
)

//go:embed migrations/001_ledger_entries.sql
var migration001 string

const uniqueViolation = "23505"

// Store provides PostgreSQL-backed persistence for tenant audit chains.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.EntryStore   = (*Store)(nil)
	_ storage.LockingStore = (*Store)(nil)
)

// Open connects to PostgreSQL and applies the ledger migration.
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
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
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

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply ledger migration 001: %w", err)
	}
	return nil
}

// InsertEntry stores a new entry.
func (s *Store) InsertEntry(ctx context.Context, entry chain.StoredEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return insertEntry(ctx, s.pool, entry)
}

// GetEntry loads one entry by tenant and sequence.
func (s *Store) GetEntry(ctx context.Context, tenantID, sequenceNumber int64) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = $1 AND sequence_number = $2
`, tenantID, sequenceNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.StoredEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return chain.StoredEntry{}, fmt.Errorf("get ledger entry tenant_id=%d seq=%d: %w", tenantID, sequenceNumber, err)
	}
	return entry, nil
}

// LatestEntry loads the tenant's highest-sequence entry.
func (s *Store) LatestEntry(ctx context.Context, tenantID int64) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	return latestEntry(ctx, s.pool, tenantID)
}

// ListEntries returns the tenant's entries in [fromSequence, toSequence].
func (s *Store) ListEntries(ctx context.Context, tenantID, fromSequence, toSequence int64) ([]chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = $1 AND sequence_number BETWEEN $2 AND $3
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

// AppendLocked holds a transaction-scoped advisory lock on the tenant while
// reading the latest entry and inserting its successor. Appends for other
// tenants proceed in parallel.
func (s *Store) AppendLocked(ctx context.Context, tenantID int64, fn func(latest *chain.Entry) (chain.StoredEntry, error)) (chain.StoredEntry, error) {
	if err := s.ready(ctx); err != nil {
		return chain.StoredEntry{}, err
	}
	if fn == nil {
		return chain.StoredEntry{}, fmt.Errorf("append function is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return chain.StoredEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Ledger locks use the positive key space (the tenant id itself); the key
	// store uses the negated id so the two never contend.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::bigint)`, tenantID); err != nil {
		return chain.StoredEntry{}, fmt.Errorf("lock tenant_id=%d: %w", tenantID, err)
	}

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
	if err := tx.Commit(ctx); err != nil {
		return chain.StoredEntry{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
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

func insertEntry(ctx context.Context, q queryer, entry chain.StoredEntry) error {
	_, err := q.Exec(ctx, `
INSERT INTO ledger_entries (
  tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
) VALUES ($1,$2,$3,$4,$5,$6)
`, entry.TenantID, entry.SequenceNumber, entry.EntryHash, entry.PreviousHash, []byte(entry.Payload), entry.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert ledger entry tenant_id=%d seq=%d: %w", entry.TenantID, entry.SequenceNumber, storage.ErrSequenceConflict)
		}
		return fmt.Errorf("insert ledger entry tenant_id=%d seq=%d: %w", entry.TenantID, entry.SequenceNumber, err)
	}
	return nil
}

func latestEntry(ctx context.Context, q queryer, tenantID int64) (chain.StoredEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `
SELECT tenant_id, sequence_number, entry_hash, previous_hash, payload, created_at
FROM ledger_entries
WHERE tenant_id = $1
ORDER BY sequence_number DESC
LIMIT 1
`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.StoredEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return chain.StoredEntry{}, fmt.Errorf("load latest ledger entry tenant_id=%d: %w", tenantID, err)
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (chain.StoredEntry, error) {
	var (
		entry     chain.StoredEntry
		payload   []byte
		createdAt time.Time
	)
	if err := row.Scan(
		&entry.TenantID,
		&entry.SequenceNumber,
		&entry.EntryHash,
		&entry.PreviousHash,
		&payload,
		&createdAt,
	); err != nil {
		return chain.StoredEntry{}, err
	}
	entry.Payload = string(payload)
	entry.CreatedAt = chain.NormalizeTimestamp(createdAt)
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation
}
