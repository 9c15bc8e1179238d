package field

import "time"

// KeyState is the lifecycle state of a tenant key version.
type KeyState string

const (
	// KeyStateActive is the latest live version; new fields bind to it.
	KeyStateActive KeyState = "active"
	// KeyStateRetired versions still decrypt but no longer encrypt.
	KeyStateRetired KeyState = "retired"
	// KeyStateDestroyed versions have no key material. Terminal.
	KeyStateDestroyed KeyState = "destroyed"
)

// KeyVersion is operator-facing metadata for one tenant key generation. It
// never carries key material.
type KeyVersion struct {
	TenantID    int64      `json:"tenant_id" yaml:"tenant_id"`
	Version     int        `json:"version" yaml:"version"`
	Algorithm   Algorithm  `json:"algorithm" yaml:"algorithm"`
	State       KeyState   `json:"state" yaml:"state"`
	MasterKeyID string     `json:"master_key_id" yaml:"master_key_id"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty" yaml:"destroyed_at,omitempty"`
}

// DeriveState computes a version's state from its tombstone and whether it is
// the tenant's latest version.
func DeriveState(destroyed, latest bool) KeyState {
	switch {
	case destroyed:
		return KeyStateDestroyed
	case latest:
		return KeyStateActive
	default:
		return KeyStateRetired
	}
}
