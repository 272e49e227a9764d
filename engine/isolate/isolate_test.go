package isolate

import "testing"

func TestNewPoolFillsToMinIdle(t *testing.T) {
	p := NewPool(2, 5, nil)
	stats := p.Stats()
	if stats.Idle != 2 {
		t.Errorf("Idle = %d, want 2", stats.Idle)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := NewPool(1, 3, nil)
	iso, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.Stats().Active != 1 {
		t.Errorf("Active = %d, want 1", p.Stats().Active)
	}
	p.Release(iso, nil)
	if p.Stats().Active != 0 {
		t.Errorf("Active = %d after release, want 0", p.Stats().Active)
	}
}

func TestPoolInvariantNeverExceedsMax(t *testing.T) {
	p := NewPool(1, 2, nil)
	iso1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	iso2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if _, err := p.Acquire(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	stats := p.Stats()
	if stats.Idle+stats.Active > stats.Max {
		t.Errorf("idle+active = %d exceeds max %d", stats.Idle+stats.Active, stats.Max)
	}
	p.Release(iso1, nil)
	p.Release(iso2, nil)
}

func TestPoisonedIsolateIsDisposedNotReused(t *testing.T) {
	p := NewPool(1, 3, nil)
	iso, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	iso.Poison(PoisonTimeout)
	p.Release(iso, nil)

	if p.Stats().Active != 0 {
		t.Errorf("Active = %d, want 0 after releasing poisoned isolate", p.Stats().Active)
	}

	seen := map[*Isolate]bool{}
	for i := 0; i < p.Stats().Idle; i++ {
		idleIso, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire idle[%d]: %v", i, err)
		}
		if idleIso == iso {
			t.Error("poisoned isolate was handed back out by the pool")
		}
		seen[idleIso] = true
		p.Release(idleIso, nil)
	}
}

func TestPoisonIdempotentFirstReasonWins(t *testing.T) {
	p := NewPool(1, 2, nil)
	iso, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	iso.Poison(PoisonTimeout)
	iso.Poison(PoisonMemoryLimit)
	if iso.poisoned != PoisonTimeout {
		t.Errorf("poisoned = %q, want first reason %q", iso.poisoned, PoisonTimeout)
	}
	p.Release(iso, nil)
}

func TestDisposeAllClearsIdle(t *testing.T) {
	p := NewPool(2, 4, nil)
	p.DisposeAll()
	if p.Stats().Idle != 0 {
		t.Errorf("Idle = %d after DisposeAll, want 0", p.Stats().Idle)
	}
}
