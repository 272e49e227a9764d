package monitor

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

func TestWithinLimits(t *testing.T) {
	s := Snapshot{CPUTimeMs: 100, HeapUsedBytes: 1000}
	if !WithinLimits(s, 200, 2000) {
		t.Error("expected snapshot within limits")
	}
	if WithinLimits(s, 50, 2000) {
		t.Error("expected snapshot to exceed cpu limit")
	}
	if WithinLimits(s, 200, 500) {
		t.Error("expected snapshot to exceed memory limit")
	}
}

func TestMonitorCollectsSamplesAndStats(t *testing.T) {
	bus := events.NewBus()
	iso := newTestIsolate(t)
	m := New("exec-1", iso, 5, 1000, 64*1024*1024, 99, bus)

	m.Start()
	time.Sleep(30 * time.Millisecond)
	stats := m.Stop()

	if stats.Samples == 0 {
		t.Error("expected at least one sample to be collected")
	}
	if stats.FinalCPUMs < 0 {
		t.Errorf("FinalCPUMs = %d, should be non-negative", stats.FinalCPUMs)
	}
}

func TestMonitorEmitsCPUWarning(t *testing.T) {
	bus := events.NewBus()
	var warnings []events.ResourceWarning
	bus.Subscribe(func(e any) {
		if w, ok := e.(events.ResourceWarning); ok {
			warnings = append(warnings, w)
		}
	})

	iso := newTestIsolate(t)
	// cpuLimitMs set very low so even a few milliseconds of wall time
	// crosses the 80%/95% thresholds quickly.
	m := New("exec-1", iso, 5, 10, 64*1024*1024, 99, bus)
	m.Start()
	time.Sleep(40 * time.Millisecond)
	m.Stop()

	foundCPU := false
	for _, w := range warnings {
		if w.Resource == "cpu" {
			foundCPU = true
		}
	}
	if !foundCPU {
		t.Error("expected at least one cpu resource-warning event")
	}
}
