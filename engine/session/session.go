// Package session implements named, TTL-bound execution containers that
// carry state between runs and enforce an optional maximum execution
// count. Sessions live entirely in memory; a periodic sweep evicts the
// expired ones.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ember/config"
	"ember/engine/events"
	"ember/engine/policy"
	"ember/engine/runtime"
	"ember/engine/sanitize"
	"ember/engine/vfs"
)

// Session is one named execution container: a TTL, an optional execution
// ceiling, and a state map injected (read-only, one-way) into every run.
type Session struct {
	mu sync.Mutex

	id             string
	createdAt      time.Time
	lastAccessedAt time.Time
	ttlMs          int
	maxExecutions  int // 0 means unlimited
	executionCount int
	state          map[string]any

	journal *vfs.SnapshotJournal
	audit   *policy.AuditLogger
}

// Info is a read-only snapshot of a Session's bookkeeping fields, safe to
// hand to a caller without exposing the live mutex-guarded struct.
type Info struct {
	ID             string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTLMs          int
	MaxExecutions  int
	ExecutionCount int
}

// expired reports whether now − createdAt > ttlMs, deliberately measured
// from creation rather than last access so a session cannot be kept alive
// indefinitely by repeated cheap calls.
func (s *Session) expired(now time.Time) bool {
	if s.ttlMs <= 0 {
		return false
	}
	return now.Sub(s.createdAt) > time.Duration(s.ttlMs)*time.Millisecond
}

func (s *Session) info() Info {
	return Info{
		ID:             s.id,
		CreatedAt:      s.createdAt,
		LastAccessedAt: s.lastAccessedAt,
		TTLMs:          s.ttlMs,
		MaxExecutions:  s.maxExecutions,
		ExecutionCount: s.executionCount,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// SetState installs value under key for every subsequent run. One-way:
// a run never writes back into session state.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// GetState returns the value previously set under key, if any.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

// ClearState removes every key previously set on this session.
func (s *Session) ClearState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]any)
}

// Options configures one createSession call. ID, when non-empty, is used
// as-is instead of generating a fresh uuid — callers that want their own
// naming scheme (e.g. one session per end user) can supply it directly.
type Options struct {
	ID            string
	TTLMs         int
	MaxExecutions int
}

// RunOptions configures one Session.run call, layered on top of the
// session's own state map.
type RunOptions struct {
	Filename          string
	WallTimeoutMs     int
	CPUTimeLimitMs    int
	MemoryLimitBytes  int64
	ConsoleMode       runtime.ConsoleMode
	ConsoleOnOutput   runtime.ConsoleOutputFunc
	AllowTimers       bool
	FilesystemEnabled bool
	Env               map[string]string
	// RollbackOnError, when true, restores every filesystem mutation this
	// run made (via the session's snapshot journal) if the run's result
	// carries an error — the guest's side effects never survive a failed
	// run.
	RollbackOnError bool
}

// Manager owns every live Session and runs the periodic expiry sweep.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	engine *runtime.Engine
	vfsRef *vfs.VFS
	policy *policy.Evaluator
	bus    *events.Bus
	cfg    config.Config

	stopCh  chan struct{}
	stopped bool
}

// NewManager wires a Manager and starts its background sweep loop
// immediately, mirroring the timeout watchdog's eager-start convention.
func NewManager(eng *runtime.Engine, v *vfs.VFS, pol *policy.Evaluator, bus *events.Bus, cfg config.Config) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		engine:   eng,
		vfsRef:   v,
		policy:   pol,
		bus:      bus,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) sweepLoop() {
	interval := time.Duration(m.cfg.SessionSweepMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep evicts every session whose createdAt is past its ttlMs.
func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		exp := s.expired(now)
		audit := s.audit
		s.mu.Unlock()
		if exp {
			delete(m.sessions, id)
			if audit != nil {
				_ = audit.Close()
			}
		}
	}
}

// Stop ends the sweep loop. Safe to call once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

// CreateSession registers a new Session with its own snapshot journal
// (backing RollbackOnError) and returns it; Session.ID reports its id.
func (m *Manager) CreateSession(opts Options) *Session {
	now := time.Now()
	ttl := opts.TTLMs
	if ttl <= 0 {
		ttl = m.cfg.DefaultSessionTTLMs
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:             id,
		createdAt:      now,
		lastAccessedAt: now,
		ttlMs:          ttl,
		maxExecutions:  opts.MaxExecutions,
		state:          make(map[string]any),
		journal:        vfs.NewSnapshotJournal(m.vfsRef),
	}
	if m.cfg.StateDir != "" {
		if logger, err := policy.NewAuditLogger(id, m.cfg.StateDir); err == nil {
			s.audit = logger
		}
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// GetSession returns the session for id, or nothing if it does not exist
// or has expired.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	exp := s.expired(time.Now())
	s.mu.Unlock()
	if exp {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, false
	}
	return s, true
}

// DeleteSession removes id from the manager, if present, closing its audit
// log.
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok && s.audit != nil {
		_ = s.audit.Close()
	}
}

// ListSessions returns bookkeeping info for every live, non-expired
// session.
func (m *Manager) ListSessions() []Info {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		exp := s.expired(now)
		info := s.info()
		s.mu.Unlock()
		if !exp {
			out = append(out, info)
		}
	}
	return out
}

// Run executes source inside sessionID's container: checks expiry and
// the execution ceiling, injects session state as the run's sandbox
// values, runs via the Execution Engine, and updates bookkeeping.
// Fails with a SanitizedError of kind SessionExpired or
// MaxExecutionsReached before ever touching the Execution Engine.
func (m *Manager) Run(sessionID string, source string, opts RunOptions) runtime.RunResult {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return runtime.RunResult{Error: sanitize.New(sanitize.KindSessionExpired, "session not found or expired: "+sessionID)}
	}

	s.mu.Lock()
	if s.expired(time.Now()) {
		s.mu.Unlock()
		m.DeleteSession(sessionID)
		return runtime.RunResult{Error: sanitize.New(sanitize.KindSessionExpired, "session expired: "+sessionID)}
	}
	if s.maxExecutions > 0 && s.executionCount >= s.maxExecutions {
		s.mu.Unlock()
		return runtime.RunResult{Error: sanitize.New(sanitize.KindMaxExecutions, "session reached its execution limit")}
	}
	sandboxValues := make(map[string]any, len(s.state))
	for k, v := range s.state {
		sandboxValues[k] = v
	}
	journal := s.journal
	audit := s.audit
	s.mu.Unlock()

	snapshotKey := uuid.NewString()

	req := runtime.RunRequest{
		Source:           source,
		Filename:         opts.Filename,
		WallTimeoutMs:    opts.WallTimeoutMs,
		CPUTimeLimitMs:   opts.CPUTimeLimitMs,
		MemoryLimitBytes: opts.MemoryLimitBytes,
		ContextOptions: runtime.ContextOptions{
			ConsoleMode:       opts.ConsoleMode,
			ConsoleOnOutput:   opts.ConsoleOnOutput,
			AllowTimers:       opts.AllowTimers,
			FilesystemEnabled: opts.FilesystemEnabled,
			Env:               opts.Env,
			Sandbox:           sandboxValues,
			SessionID:         sessionID,
			Policy:            m.policy,
			Audit:             audit,
			Snapshots:         journal,
			SnapshotKey:       snapshotKey,
		},
	}

	result := m.engine.Execute(req)

	s.mu.Lock()
	s.executionCount++
	s.lastAccessedAt = time.Now()
	s.mu.Unlock()

	if result.Error != nil && opts.RollbackOnError && journal != nil {
		_, _ = journal.RestoreExecution(snapshotKey)
	}

	return result
}
