// Package sealer seals and opens values with an authenticated cipher chosen
// by algorithm tag.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
)

// KeySize is the key length every supported algorithm takes.
const KeySize = 32

var (
	// ErrMalformed is returned when a sealed value is not valid base64 or is
	// shorter than a nonce.
	ErrMalformed = errors.New("sealed value is malformed")
	// ErrAuthentication is returned when a sealed value fails authentication
	// under the given key and associated data.
	ErrAuthentication = errors.New("sealed value failed authentication")
	// ErrUnsupportedAlgorithm is returned for an unknown algorithm tag.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Sealer seals and opens values under one key.
type Sealer struct {
	aead   cipher.AEAD
	random io.Reader
}

// New builds a sealer for alg from a 32-byte key.
func New(alg field.Algorithm, key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch alg {
	case field.AlgorithmAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm: %w", err)
		}
	case field.AlgorithmXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("new xchacha20-poly1305: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, alg)
	}
	return &Sealer{aead: aead, random: rand.Reader}, nil
}

// SealBytes encrypts plaintext and returns nonce || ciphertext.
func (s *Sealer) SealBytes(plaintext, associatedData []byte) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, fmt.Errorf("sealer is not configured")
	}

	// Both ciphers require a unique nonce per encryption under the same key.
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// OpenBytes decrypts a value produced by SealBytes.
func (s *Sealer) OpenBytes(payload, associatedData []byte) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, fmt.Errorf("sealer is not configured")
	}
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	// Payload format is nonce || ciphertext.
	plaintext, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], associatedData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Seal encrypts one value and returns raw standard base64 of
// nonce || ciphertext.
func (s *Sealer) Seal(value string, associatedData []byte) (string, error) {
	payload, err := s.SealBytes([]byte(value), associatedData)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(payload), nil
}

// Open decrypts one value produced by Seal.
func (s *Sealer) Open(sealed string, associatedData []byte) (string, error) {
	payload, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrMalformed, err)
	}
	plaintext, err := s.OpenBytes(payload, associatedData)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
