// Package timeout implements the watchdog that polls in-flight
// executions on a fixed tick and disposes isolates that overrun their
// wall-clock budget or look like an infinite loop.
//
// v8go exposes no per-isolate CPU-time counter reachable from Go, so
// cpuMs is approximated as the wall time elapsed since Arm, a span that
// also covers building the run's context and compiling the script. The isolate is synchronously blocked the whole time it
// runs, so the cpu/wall ratio reaches ~1.0 almost immediately and, for
// any script still running past minDetectionMs, the InfiniteLoop path
// typically fires before the wall timeout does. That is an accepted
// characteristic of the approximation, not a bug.
package timeout

import (
	"sync"
	"time"

	"ember/engine/events"
	"ember/engine/isolate"
)

// Reason distinguishes why a watchdog disposed an execution.
type Reason string

const (
	ReasonTimeout      Reason = "Timeout"
	ReasonInfiniteLoop Reason = "InfiniteLoop"
)

// Handle tracks one armed execution.
type Handle struct {
	mu            sync.Mutex
	ExecutionID   string
	Iso           *isolate.Isolate
	StartedAt     time.Time
	WallTimeoutMs int
	warned        bool
	fired         bool
}

// Manager runs a background ticker that evaluates every armed Handle on
// each tick and disposes isolates whose execution has overrun.
type Manager struct {
	mu                    sync.Mutex
	handles               map[string]*Handle
	tickInterval          time.Duration
	minDetectionMs        int64
	infiniteLoopThreshold float64
	warningFraction       float64
	bus                   *events.Bus
	stopCh                chan struct{}
	stopped               bool
}

// NewManager creates a Manager and starts its background ticker
// immediately; call Stop to shut it down.
func NewManager(tickIntervalMs, minDetectionMs int, infiniteLoopThreshold, warningFraction float64, bus *events.Bus) *Manager {
	m := &Manager{
		handles:               make(map[string]*Handle),
		tickInterval:          time.Duration(tickIntervalMs) * time.Millisecond,
		minDetectionMs:        int64(minDetectionMs),
		infiniteLoopThreshold: infiniteLoopThreshold,
		warningFraction:       warningFraction,
		bus:                   bus,
		stopCh:                make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// Arm registers an execution for watchdog supervision.
func (m *Manager) Arm(executionID string, iso *isolate.Isolate, wallTimeoutMs int) *Handle {
	h := &Handle{
		ExecutionID:   executionID,
		Iso:           iso,
		StartedAt:     time.Now(),
		WallTimeoutMs: wallTimeoutMs,
	}
	m.mu.Lock()
	m.handles[executionID] = h
	m.mu.Unlock()
	return h
}

// Clear removes an execution from supervision without disposing its
// isolate — the normal path when a run completes on its own.
func (m *Manager) Clear(executionID string) {
	m.mu.Lock()
	delete(m.handles, executionID)
	m.mu.Unlock()
}

// DisposeAll clears every armed handle, best-effort terminating each
// isolate and poisoning it first.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		m.fire(h, ReasonTimeout)
	}
}

// Stop terminates the background ticker goroutine. Safe to call once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
}

func (m *Manager) tick() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.evaluate(h)
	}
}

func (m *Manager) evaluate(h *Handle) {
	elapsedMs := time.Since(h.StartedAt).Milliseconds()
	cpuMs := elapsedMs // approximation; see package doc

	if elapsedMs >= int64(h.WallTimeoutMs) {
		m.fire(h, ReasonTimeout)
		return
	}

	if elapsedMs >= m.minDetectionMs {
		ratio := 0.0
		if elapsedMs > 0 {
			ratio = float64(cpuMs) / float64(elapsedMs)
		}
		if ratio >= m.infiniteLoopThreshold {
			m.fire(h, ReasonInfiniteLoop)
			return
		}
	}

	h.mu.Lock()
	alreadyWarned := h.warned
	warnThreshold := int64(float64(h.WallTimeoutMs) * m.warningFraction)
	if !alreadyWarned && elapsedMs >= warnThreshold {
		h.warned = true
	}
	h.mu.Unlock()

	if !alreadyWarned && elapsedMs >= warnThreshold {
		m.bus.Emit(events.ResourceWarning{
			ExecutionID: h.ExecutionID,
			Resource:    "wall-timeout",
			Percent:     float64(elapsedMs) / float64(h.WallTimeoutMs) * 100,
			Severity:    events.SeverityHigh,
		})
	}
}

// fire disposes the handle's isolate for the given reason, exactly once.
func (m *Manager) fire(h *Handle, reason Reason) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.mu.Unlock()

	// Poison before terminating: the run goroutine unblocks the instant
	// TerminateExecution lands, and its error classification reads the
	// poison reason.
	switch reason {
	case ReasonTimeout:
		h.Iso.Poison(isolate.PoisonTimeout)
	case ReasonInfiniteLoop:
		h.Iso.Poison(isolate.PoisonCpuLimit)
	}
	h.Iso.Terminate()

	m.mu.Lock()
	delete(m.handles, h.ExecutionID)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.Timeout{ExecutionID: h.ExecutionID, Reason: string(reason)})
	}
}
