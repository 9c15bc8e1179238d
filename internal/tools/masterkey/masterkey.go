// Package masterkey implements the master key generator command.
package masterkey

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	keyring "github.com/louisbranch/ledgerkeep/internal/services/keyvault/masterkey"
)

// Config holds configuration for master key generation.
type Config struct {
	KeyID string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.KeyID, "key-id", "", "emit the key as a LEDGERKEEP_MASTER_KEYS entry with this id")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a master key and writes it to out as environment lines.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	key, err := keyring.GenerateKey(reader)
	if err != nil {
		return err
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		_, err = fmt.Fprintf(out, "LEDGERKEEP_MASTER_KEY=%s\n", key)
		return err
	}
	if strings.ContainsAny(keyID, "=,") {
		return errors.New("key id must not contain '=' or ','")
	}
	_, err = fmt.Fprintf(out, "LEDGERKEEP_MASTER_KEYS=%s=%s\nLEDGERKEEP_MASTER_KEY_ID=%s\n", keyID, key, keyID)
	return err
}
