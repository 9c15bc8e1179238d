package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
)

// ErrNotFound indicates a requested ledger entry is missing. The ledger
// service turns it into a (zero, false) lookup result, never an error.
var ErrNotFound = errors.New("ledger entry not found")

// ErrSequenceConflict indicates an insert collided with an entry already
// committed at the same (tenant, sequence) position.
var ErrSequenceConflict = errors.New("ledger sequence already taken")

// EntryStore persists chain entries together with their payloads.
type EntryStore interface {
	// InsertEntry stores a new entry. It returns ErrSequenceConflict when the
	// position is taken, and never overwrites an existing row.
	InsertEntry(ctx context.Context, entry chain.StoredEntry) error
	// GetEntry loads one entry or returns ErrNotFound.
	GetEntry(ctx context.Context, tenantID, sequenceNumber int64) (chain.StoredEntry, error)
	// LatestEntry loads the highest-sequence entry or returns ErrNotFound.
	LatestEntry(ctx context.Context, tenantID int64) (chain.StoredEntry, error)
	// ListEntries returns entries in [fromSequence, toSequence] ordered by
	// sequence, skipping positions that have no row.
	ListEntries(ctx context.Context, tenantID, fromSequence, toSequence int64) ([]chain.StoredEntry, error)
}

// LockingStore is implemented by stores that can hold a tenant-scoped
// exclusive lock across the read-compute-write section of an append.
// Stores without it rely on the uniqueness constraint alone.
type LockingStore interface {
	EntryStore
	// AppendLocked runs fn while holding the tenant's append lock. latest is
	// nil for an empty chain; fn returns the entry to insert.
	AppendLocked(ctx context.Context, tenantID int64, fn func(latest *chain.Entry) (chain.StoredEntry, error)) (chain.StoredEntry, error)
}
