// Package storage defines the persistence contract for tenant key versions.
//
// Rows are never deleted. Destroying a version clears its wrapped key and
// sets a tombstone, so the version stays visible as destroyed forever.
//
// Common error types:
//   - ErrNotFound: the tenant has no such version
//   - ErrVersionConflict: another writer created the same version first
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
)

// ErrNotFound indicates a key version that was never created.
var ErrNotFound = errors.New("key version not found")

// ErrVersionConflict indicates an insert collided with a version already
// committed for the tenant.
var ErrVersionConflict = errors.New("key version already exists")

// KeyRecord is one persisted tenant key version.
type KeyRecord struct {
	TenantID    int64
	Version     int
	Algorithm   field.Algorithm
	MasterKeyID string
	WrappedKey  []byte
	CreatedAt   time.Time
	DestroyedAt *time.Time
}

// Destroyed reports whether the version's key material has been shredded.
func (r KeyRecord) Destroyed() bool {
	return r.DestroyedAt != nil
}

// KeyStore persists wrapped tenant keys.
type KeyStore interface {
	// InsertKey stores a new version. It returns ErrVersionConflict when the
	// version exists.
	InsertKey(ctx context.Context, record KeyRecord) error
	// GetKey loads one version or returns ErrNotFound.
	GetKey(ctx context.Context, tenantID int64, version int) (KeyRecord, error)
	// LatestKey loads the highest version, destroyed or not, or returns
	// ErrNotFound when the tenant has none.
	LatestKey(ctx context.Context, tenantID int64) (KeyRecord, error)
	// ListKeys returns every version ordered by version.
	ListKeys(ctx context.Context, tenantID int64) ([]KeyRecord, error)
	// DestroyKey clears the wrapped key and sets the tombstone if it is not
	// set yet, then returns the stored record. Destroying twice keeps the
	// first tombstone. It returns ErrNotFound for an unknown version.
	DestroyKey(ctx context.Context, tenantID int64, version int, destroyedAt time.Time) (KeyRecord, error)
}

// LockingKeyStore is implemented by stores that can hold a tenant-scoped
// lock while choosing and inserting the next version.
type LockingKeyStore interface {
	KeyStore
	// CreateLocked runs fn with the tenant's latest version (nil when none)
	// while holding the tenant's key lock. When fn returns a record it is
	// inserted and returned; when it returns nil, latest is returned as is.
	CreateLocked(ctx context.Context, tenantID int64, fn func(latest *KeyRecord) (*KeyRecord, error)) (KeyRecord, error)
}
