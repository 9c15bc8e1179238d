// Package masterkey holds the root key-encryption keys that wrap tenant data
// keys at rest.
package masterkey

import (
	"crypto/hkdf"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/sealer"
)

// MinRootKeySize is the shortest accepted root key.
const MinRootKeySize = 32

// ErrUnknownKeyID is returned when a wrapped key names a root key the ring
// does not hold.
var ErrUnknownKeyID = errors.New("master key id is unknown")

// wrapAlgorithm seals tenant data keys. It is independent of the algorithm
// the data key itself is used with.
const wrapAlgorithm = field.AlgorithmAES256GCM

// Keyring stores root keys and the id used for new wraps.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for wrapping and unwrapping tenant keys.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("master keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active master key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active master key id is not configured")
	}
	copied := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) < MinRootKeySize {
			return nil, fmt.Errorf("master key %q must be at least %d bytes", id, MinRootKeySize)
		}
		copied[id] = append([]byte(nil), key...)
	}
	return &Keyring{keys: copied, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the id used for new wraps.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Wrap seals a tenant data key under the active root key. It returns the
// wrapped bytes and the id of the root key used.
func (k *Keyring) Wrap(tenantID int64, version int, dataKey []byte) ([]byte, string, error) {
	if k == nil {
		return nil, "", fmt.Errorf("master keyring is not configured")
	}
	keyID := k.activeKeyID
	s, err := k.tenantSealer(keyID, tenantID)
	if err != nil {
		return nil, "", err
	}
	wrapped, err := s.SealBytes(dataKey, wrapAssociatedData(tenantID, version))
	if err != nil {
		return nil, "", fmt.Errorf("wrap tenant key: %w", err)
	}
	return wrapped, keyID, nil
}

// Unwrap opens a tenant data key sealed by Wrap under keyID.
func (k *Keyring) Unwrap(tenantID int64, version int, keyID string, wrapped []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("master keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, fmt.Errorf("master key id is required")
	}
	s, err := k.tenantSealer(keyID, tenantID)
	if err != nil {
		return nil, err
	}
	dataKey, err := s.OpenBytes(wrapped, wrapAssociatedData(tenantID, version))
	if err != nil {
		return nil, fmt.Errorf("unwrap tenant key: %w", err)
	}
	return dataKey, nil
}

func (k *Keyring) tenantSealer(keyID string, tenantID int64) (*sealer.Sealer, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, keyID)
	}
	kek, err := deriveTenantKey(rootKey, tenantID)
	if err != nil {
		return nil, err
	}
	return sealer.New(wrapAlgorithm, kek)
}

func deriveTenantKey(rootKey []byte, tenantID int64) ([]byte, error) {
	if tenantID <= 0 {
		return nil, fmt.Errorf("tenant id must be positive")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "tenant:"+strconv.FormatInt(tenantID, 10), sealer.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return key, nil
}

func wrapAssociatedData(tenantID int64, version int) []byte {
	return []byte("ledgerkeep:key:" + strconv.FormatInt(tenantID, 10) + ":" + strconv.Itoa(version))
}
