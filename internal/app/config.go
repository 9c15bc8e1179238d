package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/platform/logging"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/masterkey"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the shared runtime configuration read from LEDGERKEEP_*
// environment variables.
type Config struct {
	StorageBackend    string `env:"LEDGERKEEP_STORAGE_BACKEND" envDefault:"sqlite"`
	LedgerDBPath      string `env:"LEDGERKEEP_LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	KeysDBPath        string `env:"LEDGERKEEP_KEYS_DB_PATH" envDefault:"data/keys.db"`
	PostgresDSN       string `env:"LEDGERKEEP_POSTGRES_DSN"`
	PostgresMaxConns  int32  `env:"LEDGERKEEP_POSTGRES_MAX_CONNS" envDefault:"10"`
	AppendMaxAttempts int    `env:"LEDGERKEEP_APPEND_MAX_ATTEMPTS" envDefault:"3"`
	FieldAlgorithm    string `env:"LEDGERKEEP_FIELD_ALGORITHM" envDefault:"aes-256-gcm"`
	LogLevel          string `env:"LEDGERKEEP_LOG_LEVEL" envDefault:"info"`
	MasterKey         masterkey.Config
}

// LoadConfig reads and validates Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	switch c.StorageBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.LedgerDBPath) == "" || strings.TrimSpace(c.KeysDBPath) == "" {
			return errors.New("sqlite database paths are required")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("LEDGERKEEP_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.AppendMaxAttempts < 1 {
		return errors.New("LEDGERKEEP_APPEND_MAX_ATTEMPTS must be at least 1")
	}
	if c.PostgresMaxConns < 1 {
		return errors.New("LEDGERKEEP_POSTGRES_MAX_CONNS must be at least 1")
	}
	if _, err := field.ParseAlgorithm(c.FieldAlgorithm); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Algorithm returns the configured field algorithm.
func (c Config) Algorithm() field.Algorithm {
	alg, err := field.ParseAlgorithm(c.FieldAlgorithm)
	if err != nil {
		return field.DefaultAlgorithm
	}
	return alg
}

// NewLogger builds the JSON logger for the configured level, writing to
// stderr.
func (c Config) NewLogger() *slog.Logger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.NewJSONLogger(nil, level)
}
