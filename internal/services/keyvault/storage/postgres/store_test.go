package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
)

const envTestDSN = "LEDGERKEEP_TEST_POSTGRES_DSN"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestDSN)
	}
	store, err := Open(context.Background(), dsn, 4, 0)
	if err != nil {
		t.Fatalf("open postgres key store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func uniqueTenant() int64 {
	return time.Now().UnixNano() / 1000
}

func testRecord(tenantID int64, version int) storage.KeyRecord {
	return storage.KeyRecord{
		TenantID:    tenantID,
		Version:     version,
		Algorithm:   field.AlgorithmXChaCha20Poly1305,
		MasterKeyID: "v1",
		WrappedKey:  []byte{1, 2, 3},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", 1, 0); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	if _, err := store.GetKey(context.Background(), 1, 1); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestInsertDestroyAndConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	tenant := uniqueTenant()

	if err := store.InsertKey(ctx, testRecord(tenant, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertKey(ctx, testRecord(tenant, 1)); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	destroyed, err := store.DestroyKey(ctx, tenant, 1, time.Now())
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !destroyed.Destroyed() || len(destroyed.WrappedKey) != 0 {
		t.Fatalf("unexpected destroyed record: %+v", destroyed)
	}
	if _, err := store.DestroyKey(ctx, tenant, 2, time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateLockedSerializesVersions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	tenant := uniqueTenant()

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateLocked(ctx, tenant, func(latest *storage.KeyRecord) (*storage.KeyRecord, error) {
				next := testRecord(tenant, 1)
				if latest != nil {
					next = testRecord(tenant, latest.Version+1)
				}
				return &next, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("create: %v", err)
	}
	latest, err := store.LatestKey(ctx, tenant)
	if err != nil || latest.Version != writers {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
}
