package masterkey

import (
	"bytes"
	"errors"
	"testing"
)

func rootKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, MinRootKeySize)
}

func TestNewKeyringValidatesInput(t *testing.T) {
	tests := []struct {
		name   string
		keys   map[string][]byte
		active string
	}{
		{name: "no keys", active: "v1"},
		{name: "blank active", keys: map[string][]byte{"v1": rootKey(1)}, active: " "},
		{name: "unknown active", keys: map[string][]byte{"v1": rootKey(1)}, active: "v2"},
		{name: "short key", keys: map[string][]byte{"v1": []byte("short")}, active: "v1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewKeyring(tc.keys, tc.active); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	ring, err := NewKeyring(map[string][]byte{"v1": rootKey(1)}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	dataKey := rootKey(9)
	wrapped, keyID, err := ring.Wrap(3, 2, dataKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if keyID != "v1" {
		t.Fatalf("key id = %q", keyID)
	}
	if bytes.Contains(wrapped, dataKey) {
		t.Fatal("expected wrapped key to hide data key")
	}
	got, err := ring.Unwrap(3, 2, keyID, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, dataKey) {
		t.Fatal("unwrapped key mismatch")
	}
}

func TestUnwrapBindsTenantAndVersion(t *testing.T) {
	ring, _ := NewKeyring(map[string][]byte{"v1": rootKey(1)}, "v1")
	wrapped, keyID, err := ring.Wrap(3, 2, rootKey(9))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := ring.Unwrap(4, 2, keyID, wrapped); err == nil {
		t.Fatal("expected other tenant to fail")
	}
	if _, err := ring.Unwrap(3, 1, keyID, wrapped); err == nil {
		t.Fatal("expected other version to fail")
	}
}

func TestRotatedRingStillUnwrapsOldKeys(t *testing.T) {
	old, _ := NewKeyring(map[string][]byte{"v1": rootKey(1)}, "v1")
	wrapped, keyID, err := old.Wrap(1, 1, rootKey(9))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	rotated, err := NewKeyring(map[string][]byte{"v1": rootKey(1), "v2": rootKey(2)}, "v2")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	if _, err := rotated.Unwrap(1, 1, keyID, wrapped); err != nil {
		t.Fatalf("unwrap with rotated ring: %v", err)
	}
	if _, newID, _ := rotated.Wrap(1, 2, rootKey(8)); newID != "v2" {
		t.Fatalf("new wraps should use v2, got %q", newID)
	}
}

func TestUnwrapUnknownKeyID(t *testing.T) {
	ring, _ := NewKeyring(map[string][]byte{"v1": rootKey(1)}, "v1")
	if _, err := ring.Unwrap(1, 1, "v9", []byte("x")); !errors.Is(err, ErrUnknownKeyID) {
		t.Fatalf("expected ErrUnknownKeyID, got %v", err)
	}
	if _, err := ring.Unwrap(1, 1, "", []byte("x")); err == nil {
		t.Fatal("expected error for empty key id")
	}
}

func TestNilKeyring(t *testing.T) {
	var ring *Keyring
	if ring.ActiveKeyID() != "" {
		t.Fatal("expected empty active id")
	}
	if _, _, err := ring.Wrap(1, 1, rootKey(1)); err == nil {
		t.Fatal("expected error for nil keyring")
	}
}
