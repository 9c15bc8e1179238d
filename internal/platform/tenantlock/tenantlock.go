// Package tenantlock shards in-process locks by tenant id so work for one
// tenant never waits on another tenant except on a stripe collision.
package tenantlock

import "sync"

// DefaultStripes is the stripe count used when none is given.
const DefaultStripes = 64

// Striped is a fixed set of read/write locks addressed by tenant id.
type Striped struct {
	stripes []sync.RWMutex
}

// New returns a Striped lock set with n stripes (DefaultStripes when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.RWMutex, n)}
}

func (s *Striped) stripe(tenantID int64) *sync.RWMutex {
	idx := uint64(tenantID) % uint64(len(s.stripes))
	return &s.stripes[idx]
}

// Lock takes the tenant's exclusive lock and returns its release function.
func (s *Striped) Lock(tenantID int64) (unlock func()) {
	mu := s.stripe(tenantID)
	mu.Lock()
	return mu.Unlock
}

// RLock takes the tenant's shared lock and returns its release function.
func (s *Striped) RLock(tenantID int64) (unlock func()) {
	mu := s.stripe(tenantID)
	mu.RLock()
	return mu.RUnlock
}
