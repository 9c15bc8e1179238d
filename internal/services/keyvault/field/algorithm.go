package field

import (
	"fmt"
	"strings"
)

// Algorithm names the authenticated cipher a field was sealed with.
type Algorithm string

const (
	// AlgorithmAES256GCM is AES-256 in GCM mode with a 96-bit random nonce.
	AlgorithmAES256GCM Algorithm = "aes-256-gcm"
	// AlgorithmXChaCha20Poly1305 is XChaCha20-Poly1305 with a 192-bit random nonce.
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"

	// DefaultAlgorithm is used for new key versions unless configured otherwise.
	DefaultAlgorithm = AlgorithmAES256GCM
)

// ParseAlgorithm normalizes and validates an algorithm tag.
func ParseAlgorithm(value string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(value)))
	if !alg.Valid() {
		return "", fmt.Errorf("unsupported field algorithm %q", value)
	}
	return alg, nil
}

// Valid reports whether the algorithm is one the vault can open.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmAES256GCM, AlgorithmXChaCha20Poly1305:
		return true
	default:
		return false
	}
}

func (a Algorithm) String() string {
	return string(a)
}
