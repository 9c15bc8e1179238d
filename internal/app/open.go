package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/louisbranch/ledgerkeep/internal/platform/timeouts"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/masterkey"
	keyservice "github.com/louisbranch/ledgerkeep/internal/services/keyvault/service"
	keystorage "github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
	keypostgres "github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage/postgres"
	keysqlite "github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage/sqlite"
	ledgerservice "github.com/louisbranch/ledgerkeep/internal/services/ledger/service"
	ledgerstorage "github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
	ledgerpostgres "github.com/louisbranch/ledgerkeep/internal/services/ledger/storage/postgres"
	ledgersqlite "github.com/louisbranch/ledgerkeep/internal/services/ledger/storage/sqlite"
)

// ledgerStore is a ledger store the caller must close.
type ledgerStore interface {
	ledgerstorage.EntryStore
	Close() error
}

// keyStore is a key store the caller must close.
type keyStore interface {
	keystorage.KeyStore
	Close() error
}

// OpenLedger opens the configured ledger backend and builds the ledger
// service. The returned close function releases the store.
func OpenLedger(ctx context.Context, cfg Config, logger *slog.Logger) (*ledgerservice.Ledger, func() error, error) {
	store, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := ledgerservice.New(store,
		ledgerservice.WithMaxAppendAttempts(cfg.AppendMaxAttempts),
		ledgerservice.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return ledger, store.Close, nil
}

// OpenVault opens the configured key backend, loads the master keyring and
// builds the key vault service. The returned close function releases the
// store.
func OpenVault(ctx context.Context, cfg Config, logger *slog.Logger) (*keyservice.KeyVault, func() error, error) {
	keyring, err := masterkey.LoadKeyring(cfg.MasterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("load master keyring: %w", err)
	}
	store, err := openKeyStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	vault, err := keyservice.New(store, keyring,
		keyservice.WithAlgorithm(cfg.Algorithm()),
		keyservice.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return vault, store.Close, nil
}

func openLedgerStore(ctx context.Context, cfg Config) (ledgerStore, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StorageOpen)
	defer cancel()

	switch cfg.StorageBackend {
	case BackendPostgres:
		store, err := ledgerpostgres.Open(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, 0)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger store: %w", err)
		}
		return store, nil
	default:
		if err := ensureDir(cfg.LedgerDBPath); err != nil {
			return nil, err
		}
		store, err := ledgersqlite.Open(ctx, cfg.LedgerDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger store: %w", err)
		}
		return store, nil
	}
}

func openKeyStore(ctx context.Context, cfg Config) (keyStore, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StorageOpen)
	defer cancel()

	switch cfg.StorageBackend {
	case BackendPostgres:
		store, err := keypostgres.Open(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, 0)
		if err != nil {
			return nil, fmt.Errorf("open postgres key store: %w", err)
		}
		return store, nil
	default:
		if err := ensureDir(cfg.KeysDBPath); err != nil {
			return nil, err
		}
		store, err := keysqlite.Open(ctx, cfg.KeysDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite key store: %w", err)
		}
		return store, nil
	}
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
