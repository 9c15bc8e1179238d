package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
)

type keyID struct {
	tenantID int64
	version  int
}

// memKeyStore is a KeyStore without CreateLocked, so the vault drives the
// read-build-insert loop itself.
type memKeyStore struct {
	mu      sync.Mutex
	records map[keyID]storage.KeyRecord

	// conflicts makes the next N inserts fail with ErrVersionConflict.
	conflicts int
	inserts   int
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{records: make(map[keyID]storage.KeyRecord)}
}

func (s *memKeyStore) InsertKey(_ context.Context, record storage.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.conflicts > 0 {
		s.conflicts--
		return storage.ErrVersionConflict
	}
	id := keyID{record.TenantID, record.Version}
	if _, ok := s.records[id]; ok {
		return storage.ErrVersionConflict
	}
	record.WrappedKey = append([]byte(nil), record.WrappedKey...)
	s.records[id] = record
	return nil
}

func (s *memKeyStore) GetKey(_ context.Context, tenantID int64, version int) (storage.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[keyID{tenantID, version}]
	if !ok {
		return storage.KeyRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *memKeyStore) LatestKey(_ context.Context, tenantID int64) (storage.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest storage.KeyRecord
		found  bool
	)
	for id, record := range s.records {
		if id.tenantID == tenantID && (!found || id.version > latest.Version) {
			latest, found = record, true
		}
	}
	if !found {
		return storage.KeyRecord{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memKeyStore) ListKeys(_ context.Context, tenantID int64) ([]storage.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.KeyRecord
	for id, record := range s.records {
		if id.tenantID == tenantID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memKeyStore) DestroyKey(_ context.Context, tenantID int64, version int, destroyedAt time.Time) (storage.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := keyID{tenantID, version}
	record, ok := s.records[id]
	if !ok {
		return storage.KeyRecord{}, storage.ErrNotFound
	}
	if record.DestroyedAt == nil {
		record.WrappedKey = []byte{}
		record.DestroyedAt = &destroyedAt
		s.records[id] = record
	}
	return record, nil
}
