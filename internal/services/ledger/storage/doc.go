// Package storage defines the persistence contract for tenant audit chains.
//
// Implementations (SQLite, PostgreSQL) live in subpackages and must enforce
// uniqueness of (tenant_id, sequence_number), reporting a lost race as
// ErrSequenceConflict so the ledger service can re-read and recompute.
//
// Common error types:
//   - ErrNotFound: requested entry is missing
//   - ErrSequenceConflict: another writer committed the same sequence number
package storage
