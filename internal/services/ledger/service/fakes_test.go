package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
)

type entryKey struct {
	tenantID int64
	seq      int64
}

// memStore is an EntryStore without AppendLocked, so the service drives the
// read-compute-insert loop itself.
type memStore struct {
	mu      sync.Mutex
	entries map[entryKey]chain.StoredEntry

	// conflicts makes the next N inserts fail with ErrSequenceConflict.
	conflicts int
	inserts   int
	listErr   error
	getErr    map[int64]error
	latestErr error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[entryKey]chain.StoredEntry)}
}

func (s *memStore) InsertEntry(_ context.Context, entry chain.StoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.conflicts > 0 {
		s.conflicts--
		return storage.ErrSequenceConflict
	}
	key := entryKey{entry.TenantID, entry.SequenceNumber}
	if _, ok := s.entries[key]; ok {
		return storage.ErrSequenceConflict
	}
	s.entries[key] = entry
	return nil
}

func (s *memStore) GetEntry(_ context.Context, tenantID, seq int64) (chain.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[seq]; err != nil {
		return chain.StoredEntry{}, err
	}
	entry, ok := s.entries[entryKey{tenantID, seq}]
	if !ok {
		return chain.StoredEntry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (s *memStore) LatestEntry(_ context.Context, tenantID int64) (chain.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return chain.StoredEntry{}, s.latestErr
	}
	var (
		latest chain.StoredEntry
		found  bool
	)
	for key, entry := range s.entries {
		if key.tenantID == tenantID && (!found || key.seq > latest.SequenceNumber) {
			latest, found = entry, true
		}
	}
	if !found {
		return chain.StoredEntry{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) ListEntries(_ context.Context, tenantID, from, to int64) ([]chain.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []chain.StoredEntry
	for key, entry := range s.entries {
		if key.tenantID == tenantID && key.seq >= from && key.seq <= to {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *memStore) mutate(tenantID, seq int64, fn func(*chain.StoredEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{tenantID, seq}
	entry := s.entries[key]
	fn(&entry)
	s.entries[key] = entry
}

func (s *memStore) remove(tenantID, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey{tenantID, seq})
}

var errStorageDown = errors.New("storage unavailable")
