package tenantlock

import (
	"sync"
	"testing"
	"time"
)

func TestNewDefaultsStripeCount(t *testing.T) {
	if got := len(New(0).stripes); got != DefaultStripes {
		t.Fatalf("stripes = %d, want %d", got, DefaultStripes)
	}
	if got := len(New(4).stripes); got != 4 {
		t.Fatalf("stripes = %d, want 4", got)
	}
}

func TestSameTenantSharesStripe(t *testing.T) {
	s := New(8)
	if s.stripe(3) != s.stripe(3) {
		t.Fatal("expected same stripe for same tenant")
	}
	if s.stripe(3) == s.stripe(4) {
		t.Fatal("expected adjacent tenants on different stripes")
	}
}

func TestLockSerializesTenant(t *testing.T) {
	s := New(8)
	var (
		mu      sync.Mutex
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock(9)
			defer unlock()
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d", counter)
	}
}

func TestOtherTenantNotBlocked(t *testing.T) {
	s := New(8)
	unlock := s.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := s.Lock(2)
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tenant 2 blocked by tenant 1")
	}
}

func TestReadersShareLock(t *testing.T) {
	s := New(8)
	first := s.RLock(5)
	defer first()

	done := make(chan struct{})
	go func() {
		second := s.RLock(5)
		second()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked")
	}
}
