package masterkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	envMasterKeys       = "LEDGERKEEP_MASTER_KEYS"
	envMasterKey        = "LEDGERKEEP_MASTER_KEY"
	envMasterPassphrase = "LEDGERKEEP_MASTER_PASSPHRASE"
	defaultKeyID        = "v1"

	// MinSaltSize is the shortest accepted passphrase salt.
	MinSaltSize = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Config is the master key configuration read from the environment.
type Config struct {
	Keys       string `env:"LEDGERKEEP_MASTER_KEYS"`
	Key        string `env:"LEDGERKEEP_MASTER_KEY"`
	KeyID      string `env:"LEDGERKEEP_MASTER_KEY_ID" envDefault:"v1"`
	Passphrase string `env:"LEDGERKEEP_MASTER_PASSPHRASE"`
	Salt       string `env:"LEDGERKEEP_MASTER_SALT"`
}

// LoadKeyring builds a keyring from cfg. Sources are tried in order: the
// key list, the single key, then the passphrase.
func LoadKeyring(cfg Config) (*Keyring, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	if list := strings.TrimSpace(cfg.Keys); list != "" {
		keys, err := parseKeyList(list)
		if err != nil {
			return nil, err
		}
		return NewKeyring(keys, keyID)
	}

	if raw := strings.TrimSpace(cfg.Key); raw != "" {
		key, err := decodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envMasterKey, err)
		}
		return NewKeyring(map[string][]byte{keyID: key}, keyID)
	}

	if cfg.Passphrase != "" {
		key, err := DeriveFromPassphrase(cfg.Passphrase, cfg.Salt)
		if err != nil {
			return nil, err
		}
		return NewKeyring(map[string][]byte{keyID: key}, keyID)
	}

	return nil, fmt.Errorf("%s, %s or %s is required", envMasterKeys, envMasterKey, envMasterPassphrase)
}

// DeriveFromPassphrase stretches a passphrase into a root key with Argon2id.
func DeriveFromPassphrase(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", MinSaltSize)
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, MinRootKeySize), nil
}

// GenerateKey returns a new random root key encoded as standard base64.
func GenerateKey(reader io.Reader) (string, error) {
	if reader == nil {
		reader = rand.Reader
	}
	key := make([]byte, MinRootKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", fmt.Errorf("read random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func parseKeyList(list string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", envMasterKeys)
		}
		key, err := decodeKey(value)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %w", envMasterKeys, id, err)
		}
		keys[id] = key
	}
	return keys, nil
}

// decodeKey accepts padded or unpadded standard base64.
func decodeKey(value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return key, nil
	}
	key, rawErr := base64.RawStdEncoding.DecodeString(value)
	if rawErr != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	return key, nil
}
