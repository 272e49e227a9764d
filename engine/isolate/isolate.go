// Package isolate manages a pool of V8 isolates shared across
// executions: interchangeable isolates handed out per run and either
// returned to the pool or poisoned-and-disposed afterward.
package isolate

import (
	"fmt"
	"sync"
	"time"

	v8 "rogchap.com/v8go"

	"ember/internal/xlog"
)

// PoisonReason records why an isolate must never be reused.
type PoisonReason string

const (
	PoisonNone          PoisonReason = ""
	PoisonTimeout       PoisonReason = "Timeout"
	PoisonCpuLimit      PoisonReason = "CpuLimit"
	PoisonMemoryLimit   PoisonReason = "MemoryLimit"
	PoisonUncatchable   PoisonReason = "UncatchableError"
	PoisonExplicitClose PoisonReason = "Disposed"
)

// leakGracePeriod bounds how long a dispose waits for
// TerminateExecution's effect to actually unblock the running goroutine
// before giving up on reclaiming it.
const leakGracePeriod = 5 * time.Second

// Isolate wraps one V8 isolate/context pair plus the bookkeeping needed
// to decide whether it can be recycled.
type Isolate struct {
	mu       sync.Mutex
	V8       *v8.Isolate
	Ctx      *v8.Context
	poisoned PoisonReason
	leaked   bool
	createdAt time.Time
}

// Poisoned reports whether this isolate must not be reused.
func (i *Isolate) Poisoned() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.poisoned != PoisonNone
}

// PoisonedReason returns why the isolate was poisoned, or PoisonNone.
func (i *Isolate) PoisonedReason() PoisonReason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.poisoned
}

// Poison marks the isolate unusable for future runs. Idempotent: the
// first reason recorded wins.
func (i *Isolate) Poison(reason PoisonReason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.poisoned == PoisonNone {
		i.poisoned = reason
	}
}

// Leaked reports whether a prior terminated run's goroutine failed to
// exit within the grace period after the isolate was poisoned, making
// this isolate unsafe to dispose (risk of use-after-free on the native
// side).
func (i *Isolate) Leaked() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.leaked
}

// Terminate requests that any in-flight script stop. Safe to call from
// any goroutine, any number of times (mirrors v8go's own idempotent
// TerminateExecution).
func (i *Isolate) Terminate() {
	i.mu.Lock()
	v := i.V8
	i.mu.Unlock()
	if v != nil {
		v.TerminateExecution()
	}
}

// dispose releases native V8 resources. Never call on a leaked isolate —
// its goroutine may still be touching the isolate from another thread.
func (i *Isolate) dispose() {
	if i.Ctx != nil {
		i.Ctx.Close()
		i.Ctx = nil
	}
	if i.V8 != nil {
		i.V8.Dispose()
		i.V8 = nil
	}
}

func newIsolate() *Isolate {
	iso := v8.NewIsolate()
	global := v8.NewObjectTemplate(iso)
	ctx := v8.NewContext(iso, global)
	return &Isolate{V8: iso, Ctx: ctx, createdAt: time.Now()}
}

// Pool hands out isolates for executions and reclaims or discards them
// afterward, maintaining |idle|+|active| <= max and |idle| >= min
// whenever total created has room to grow.
type Pool struct {
	mu     sync.Mutex
	idle   []*Isolate
	active map[*Isolate]bool
	min    int
	max    int
	log    *xlog.Logger
}

// ErrPoolExhausted is returned by Acquire when the pool is already at its
// maximum active+idle count and has no idle isolate to offer.
var ErrPoolExhausted = fmt.Errorf("isolate pool exhausted")

// NewPool creates a pool and eagerly fills it to minIdle.
func NewPool(minIdle, max int, log *xlog.Logger) *Pool {
	if log == nil {
		log = xlog.Nop()
	}
	p := &Pool{
		active: make(map[*Isolate]bool),
		min:    minIdle,
		max:    max,
		log:    log,
	}
	p.mu.Lock()
	p.topUpLocked()
	p.mu.Unlock()
	return p
}

// topUpLocked creates fresh isolates until idle reaches min or total hits
// max. Caller must hold p.mu.
func (p *Pool) topUpLocked() {
	for len(p.idle) < p.min && len(p.idle)+len(p.active) < p.max {
		p.idle = append(p.idle, newIsolate())
	}
}

// Acquire returns an isolate for exclusive use by one execution. The
// caller must call Release exactly once when done.
func (p *Pool) Acquire() (*Isolate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) > 0 {
		iso := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.active[iso] = true
		p.topUpLocked()
		return iso, nil
	}
	if len(p.active) < p.max {
		iso := newIsolate()
		p.active[iso] = true
		return iso, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns an isolate to the pool, or disposes it if it was
// poisoned by its run. A leaked isolate (timed out without acknowledging
// termination within the grace period) is neither returned nor disposed —
// it is dropped from active bookkeeping and never touched again.
func (p *Pool) Release(iso *Isolate, waitForExit <-chan struct{}) {
	if iso.Leaked() {
		p.mu.Lock()
		delete(p.active, iso)
		p.topUpLocked()
		p.mu.Unlock()
		return
	}

	if iso.Poisoned() {
		if waitForExit != nil {
			select {
			case <-waitForExit:
				iso.dispose()
			case <-time.After(leakGracePeriod):
				iso.mu.Lock()
				iso.leaked = true
				iso.mu.Unlock()
				p.log.Warnf("isolate leaked: run did not terminate within grace period after poison")
			}
		} else {
			iso.dispose()
		}
		p.mu.Lock()
		delete(p.active, iso)
		p.topUpLocked()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	delete(p.active, iso)
	if len(p.idle)+len(p.active) < p.max {
		p.idle = append(p.idle, iso)
	} else {
		p.mu.Unlock()
		iso.dispose()
		return
	}
	p.mu.Unlock()
}

// Stats reports the current idle/active counts, useful for tests and
// diagnostics.
type Stats struct {
	Idle   int
	Active int
	Max    int
	Min    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Active: len(p.active), Max: p.max, Min: p.min}
}

// DisposeAll force-disposes every idle isolate and clears pool state.
// Isolates still checked out (active) are left for their owning
// executions to Release normally; DisposeAll does not reach into
// in-flight runs.
func (p *Pool) DisposeAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, iso := range idle {
		iso.dispose()
	}
}
