// Package events defines the typed events the sandbox kernel emits and a
// synchronous dispatcher to deliver them: one Go struct per event, with
// handlers type-switching over the concrete event types rather than
// inspecting untyped string-keyed payloads.
package events

import (
	"sort"
	"sync"
	"time"
)

// ExecutionStart is emitted when a run begins, after executionId
// assignment and before watchdogs start.
type ExecutionStart struct {
	ExecutionID string
	StartedAt   time.Time
}

// ExecutionComplete is emitted when a run finishes successfully.
type ExecutionComplete struct {
	ExecutionID string
	DurationMs  int64
}

// ExecutionError is emitted when a run fails, after its error has been
// sanitized.
type ExecutionError struct {
	ExecutionID string
	Code        string
	Message     string
}

// Timeout is emitted by the Timeout Manager when it disposes an isolate,
// whether for exceeding its wall timeout or for the infinite-loop
// heuristic.
type Timeout struct {
	ExecutionID string
	Reason      string // "Timeout" | "InfiniteLoop"
}

// ResourceWarningSeverity distinguishes the two threshold tiers.
type ResourceWarningSeverity string

const (
	SeverityMedium ResourceWarningSeverity = "medium"
	SeverityHigh   ResourceWarningSeverity = "high"
)

// ResourceWarning is emitted by the Resource Monitor (cpu/memory crossing
// 80%/95%) or by the Timeout Manager (80%-of-wall-timeout warning).
type ResourceWarning struct {
	ExecutionID string
	Resource    string // "cpu" | "memory" | "wall-timeout"
	Percent     float64
	Severity    ResourceWarningSeverity
}

// SecurityViolation is emitted when the Capability Policy denies a guest
// $fs call, or by the Resource Monitor (Capability "memory") when heap
// use crosses its critical threshold.
type SecurityViolation struct {
	ExecutionID string
	Capability  string
	Detail      string
}

// Handler receives a concrete event value; it must type-switch to find
// the events it cares about.
type Handler func(event any)

// Bus dispatches events to subscribed handlers synchronously, in
// subscription order, before Emit returns — the watcher notification
// model the rest of the kernel also uses (see engine/vfs).
type Bus struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit delivers event to every current subscriber. A panicking handler
// is recovered and does not prevent delivery to the rest.
func (b *Bus) Emit(event any) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, b.handlers[id])
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		invoke(h, event)
	}
}

func invoke(h Handler, event any) {
	defer func() { _ = recover() }()
	h(event)
}
