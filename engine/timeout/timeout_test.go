package timeout

import (
	"testing"
	"time"

	"ember/engine/events"
	"ember/engine/isolate"
)

func newTestIsolate(t *testing.T) *isolate.Isolate {
	t.Helper()
	p := isolate.NewPool(1, 1, nil)
	iso, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return iso
}

func TestWallTimeoutFiresAndPoisons(t *testing.T) {
	bus := events.NewBus()
	var fired []events.Timeout
	bus.Subscribe(func(e any) {
		if te, ok := e.(events.Timeout); ok {
			fired = append(fired, te)
		}
	})

	m := NewManager(5, 100, 0.95, 0.8, bus)
	defer m.Stop()

	iso := newTestIsolate(t)
	m.Arm("exec-1", iso, 20)

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(fired) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if len(fired) == 0 {
		t.Fatal("expected a Timeout event to be emitted")
	}
	if !iso.Poisoned() {
		t.Error("expected isolate to be poisoned after wall timeout")
	}
}

func TestClearPreventsDisposal(t *testing.T) {
	bus := events.NewBus()
	fired := false
	bus.Subscribe(func(e any) {
		if _, ok := e.(events.Timeout); ok {
			fired = true
		}
	})

	m := NewManager(5, 1000, 0.95, 0.8, bus)
	defer m.Stop()

	iso := newTestIsolate(t)
	m.Arm("exec-1", iso, 50)
	m.Clear("exec-1")

	time.Sleep(100 * time.Millisecond)

	if fired {
		t.Error("cleared handle should never fire a timeout event")
	}
	if iso.Poisoned() {
		t.Error("Clear should not poison the isolate")
	}
}

func TestDisposeAllTerminatesArmedHandles(t *testing.T) {
	bus := events.NewBus()
	m := NewManager(1000, 1000, 0.95, 0.8, bus)
	defer m.Stop()

	iso := newTestIsolate(t)
	m.Arm("exec-1", iso, 1000)
	m.DisposeAll()

	if !iso.Poisoned() {
		t.Error("expected DisposeAll to poison armed isolates")
	}
}

func TestFireIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	count := 0
	bus.Subscribe(func(e any) {
		if _, ok := e.(events.Timeout); ok {
			count++
		}
	})

	m := NewManager(1000, 1000, 0.95, 0.8, bus)
	defer m.Stop()
	iso := newTestIsolate(t)
	h := m.Arm("exec-1", iso, 1000)

	m.fire(h, ReasonTimeout)
	m.fire(h, ReasonTimeout)

	if count != 1 {
		t.Errorf("fire invoked handlers %d times, want 1 (idempotent)", count)
	}
}
