package field

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const textPrefix = "enc"

// ErrMalformedField is returned when a compact field string cannot be parsed.
var ErrMalformedField = errors.New("malformed encrypted field")

// EncryptedField is a ciphertext bound to the tenant key version that sealed
// it. The binding never changes; whether the field can be opened depends only
// on that version still holding key material. Encoders that honor
// encoding.TextMarshaler store it in its compact form.
type EncryptedField struct {
	// Ciphertext is raw standard base64 of nonce || sealed bytes.
	Ciphertext string
	KeyVersion int
	Algorithm  Algorithm
}

// String renders the compact single-column form
// enc:v<version>:<algorithm>:<ciphertext>.
func (f EncryptedField) String() string {
	return fmt.Sprintf("%s:v%d:%s:%s", textPrefix, f.KeyVersion, f.Algorithm, f.Ciphertext)
}

// MarshalText implements encoding.TextMarshaler.
func (f EncryptedField) MarshalText() ([]byte, error) {
	if f.KeyVersion <= 0 {
		return nil, fmt.Errorf("%w: key version must be positive", ErrMalformedField)
	}
	if strings.TrimSpace(string(f.Algorithm)) == "" {
		return nil, fmt.Errorf("%w: algorithm is required", ErrMalformedField)
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *EncryptedField) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryptedField(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseEncryptedField parses the compact form produced by String. The
// algorithm tag is kept verbatim: an unknown tag is a decryption failure for
// the vault to report, not a parse error.
func ParseEncryptedField(value string) (EncryptedField, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 4)
	if len(parts) != 4 || parts[0] != textPrefix {
		return EncryptedField{}, ErrMalformedField
	}
	rawVersion, ok := strings.CutPrefix(parts[1], "v")
	if !ok {
		return EncryptedField{}, fmt.Errorf("%w: missing version marker", ErrMalformedField)
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil || version <= 0 {
		return EncryptedField{}, fmt.Errorf("%w: invalid key version %q", ErrMalformedField, rawVersion)
	}
	if parts[2] == "" {
		return EncryptedField{}, fmt.Errorf("%w: algorithm is required", ErrMalformedField)
	}
	return EncryptedField{
		Ciphertext: parts[3],
		KeyVersion: version,
		Algorithm:  Algorithm(parts[2]),
	}, nil
}

// AssociatedData is the AEAD additional data that ties a ciphertext to its
// tenant, key version and algorithm.
func AssociatedData(tenantID int64, version int, alg Algorithm) []byte {
	return []byte("ledgerkeep:field:" + strconv.FormatInt(tenantID, 10) + ":" + strconv.Itoa(version) + ":" + string(alg))
}
