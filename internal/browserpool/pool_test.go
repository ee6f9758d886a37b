package browserpool

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestPool(poolSize int) *Pool {
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	cfg.BasePort = 19400
	return New(cfg, zerolog.Nop())
}

func TestAllocatePortStartsAtBasePort(t *testing.T) {
	p := newTestPool(5)
	p.mu.Lock()
	port := p.allocatePortLocked()
	p.mu.Unlock()
	if port != 19400 {
		t.Fatalf("expected first allocated port to be the base port, got %d", port)
	}
}

func TestAllocatePortRecyclesFreedPorts(t *testing.T) {
	p := newTestPool(5)
	p.mu.Lock()
	first := p.allocatePortLocked()
	p.freePorts = append(p.freePorts, first)
	second := p.allocatePortLocked()
	p.mu.Unlock()

	if second != first {
		t.Fatalf("expected a freed port to be recycled before allocating a new one, got %d want %d", second, first)
	}
}

func TestAllocatePortAdvancesWhenNoneFree(t *testing.T) {
	p := newTestPool(5)
	p.mu.Lock()
	a := p.allocatePortLocked()
	b := p.allocatePortLocked()
	p.mu.Unlock()
	if b != a+1 {
		t.Fatalf("expected sequential allocation with no free ports, got %d then %d", a, b)
	}
}

func TestStatsOnEmptyPoolReportsCapacity(t *testing.T) {
	p := newTestPool(3)
	s := p.Stats()
	if s.Capacity != 3 {
		t.Fatalf("expected capacity 3, got %d", s.Capacity)
	}
	if s.Total != 0 || s.Active != 0 || s.Idle != 0 {
		t.Fatalf("expected zeroed stats for empty pool, got %+v", s)
	}
}

func TestInitializeWithNoBinaryConfiguredSucceeds(t *testing.T) {
	p := newTestPool(1)
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize with no configured binary should not fail fast, got %v", err)
	}
}

func TestInitializeRejectsMissingBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BrowserBin = "definitely-not-a-real-browser-binary"
	p := New(cfg, zerolog.Nop())
	if err := p.Initialize(); err == nil {
		t.Fatalf("expected Initialize to fail for a nonexistent browser binary")
	}
}
