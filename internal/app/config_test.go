package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/masterkey"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEDGERKEEP_STORAGE_BACKEND",
		"LEDGERKEEP_LEDGER_DB_PATH",
		"LEDGERKEEP_KEYS_DB_PATH",
		"LEDGERKEEP_POSTGRES_DSN",
		"LEDGERKEEP_POSTGRES_MAX_CONNS",
		"LEDGERKEEP_APPEND_MAX_ATTEMPTS",
		"LEDGERKEEP_FIELD_ALGORITHM",
		"LEDGERKEEP_LOG_LEVEL",
		"LEDGERKEEP_MASTER_KEYS",
		"LEDGERKEEP_MASTER_KEY",
		"LEDGERKEEP_MASTER_KEY_ID",
		"LEDGERKEEP_MASTER_PASSPHRASE",
		"LEDGERKEEP_MASTER_SALT",
	} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StorageBackend:    BackendSQLite,
		LedgerDBPath:      filepath.Join(dir, "nested", "ledger.db"),
		KeysDBPath:        filepath.Join(dir, "nested", "keys.db"),
		PostgresMaxConns:  10,
		AppendMaxAttempts: 3,
		FieldAlgorithm:    string(field.AlgorithmXChaCha20Poly1305),
		LogLevel:          "info",
		MasterKey: masterkey.Config{
			Key:   base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{4}, 32)),
			KeyID: "v1",
		},
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != BackendSQLite || cfg.LedgerDBPath != "data/ledger.db" || cfg.KeysDBPath != "data/keys.db" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
	if cfg.AppendMaxAttempts != 3 || cfg.PostgresMaxConns != 10 || cfg.Algorithm() != field.AlgorithmAES256GCM {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigReadsMasterKeySettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGERKEEP_MASTER_KEY_ID", "k7")
	t.Setenv("LEDGERKEEP_STORAGE_BACKEND", "POSTGRES")
	t.Setenv("LEDGERKEEP_POSTGRES_DSN", "postgres://localhost/ledger")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MasterKey.KeyID != "k7" || cfg.StorageBackend != BackendPostgres {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.StorageBackend = "mysql" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageBackend = BackendPostgres }},
		{name: "empty sqlite path", mutate: func(c *Config) { c.LedgerDBPath = " " }},
		{name: "zero attempts", mutate: func(c *Config) { c.AppendMaxAttempts = 0 }},
		{name: "zero conns", mutate: func(c *Config) { c.PostgresMaxConns = 0 }},
		{name: "bad algorithm", mutate: func(c *Config) { c.FieldAlgorithm = "des" }},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestOpenLedgerAndVaultOnSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	logger := cfg.NewLogger()

	ledger, closeLedger, err := OpenLedger(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer closeLedger()
	if _, err := ledger.Append(ctx, 1, "opened", testTime()); err != nil {
		t.Fatalf("append: %v", err)
	}

	vault, closeVault, err := OpenVault(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer closeVault()
	f, err := vault.Encrypt(ctx, "secret", 1)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if f.Algorithm != field.AlgorithmXChaCha20Poly1305 {
		t.Fatalf("algorithm = %s", f.Algorithm)
	}
}

func TestOpenVaultRequiresMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.MasterKey = masterkey.Config{}
	if _, _, err := OpenVault(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error without master key")
	}
}

func testTime() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}
