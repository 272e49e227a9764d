// Package sandbox is the top-level facade wiring the isolate pool,
// execution engine, timeout watchdog, resource monitor, virtual
// filesystem, module resolver, capability policy, and session layer into
// the surface a host application calls: Run, Compile/RunCompiled,
// RunStream, CreateSession, and direct filesystem access. The pool is
// constructed first; everything else borrows from it.
package sandbox

import (
	"os"

	"ember/config"
	"ember/engine/events"
	"ember/engine/isolate"
	"ember/engine/manifest"
	"ember/engine/module"
	"ember/engine/policy"
	"ember/engine/runtime"
	"ember/engine/sanitize"
	"ember/engine/session"
	"ember/engine/timeout"
	"ember/engine/vfs"
	"ember/internal/xlog"
)

// Sandbox is the process-lifetime owner of every kernel subsystem. Safe
// for concurrent use: Run/Compile/RunCompiled/RunStream each borrow one
// isolate for their own duration and never share mutable state outside
// what their collaborators already guard.
type Sandbox struct {
	cfg      config.Config
	log      *xlog.Logger
	bus      *events.Bus
	pool     *isolate.Pool
	timeouts *timeout.Manager
	vfsRef   *vfs.VFS
	resolver *module.Resolver
	policy   *policy.Evaluator
	engine   *runtime.Engine
	sessions *session.Manager
}

// Options configures a new Sandbox. The zero value is valid and falls
// back to config.DefaultConfig().
type Options struct {
	Config        config.Config
	Logger        *xlog.Logger
	AllowBuiltins bool
	EnforcePolicy bool
	Manifest      *manifest.ModuleManifest
}

// New wires a Sandbox from opts, starting the Timeout Manager's watchdog
// and the Session Manager's sweep loop immediately.
func New(opts Options) *Sandbox {
	cfg := opts.Config
	if cfg.DefaultWallTimeoutMs == 0 {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		level := xlog.ParseLevel(cfg.LogLevel)
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			level = xlog.ParseLevel(v)
		}
		log = xlog.New(os.Stderr, level)
	}

	bus := events.NewBus()
	pool := isolate.NewPool(cfg.PoolMinIdle, cfg.PoolMax, log)
	timeouts := timeout.NewManager(cfg.WatchdogTickMs, cfg.MinDetectionMs, cfg.InfiniteLoopThreshold, cfg.WarningFraction, bus)
	vfsRef := vfs.New(cfg.DefaultQuotaBytes)
	resolver := module.NewResolver(vfsRef, opts.AllowBuiltins)
	if opts.Manifest != nil {
		resolver.SetManifest(*opts.Manifest)
	}

	var pol *policy.Evaluator
	if opts.EnforcePolicy {
		if p, err := policy.NewEvaluator(cfg.PolicyFile); err == nil {
			pol = p
		} else {
			log.Errorf("capability policy disabled: %v", err)
		}
	}

	eng := runtime.NewEngine(pool, timeouts, bus, vfsRef, resolver, cfg)
	sessions := session.NewManager(eng, vfsRef, pol, bus, cfg)

	return &Sandbox{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		pool:     pool,
		timeouts: timeouts,
		vfsRef:   vfsRef,
		resolver: resolver,
		policy:   pol,
		engine:   eng,
		sessions: sessions,
	}
}

// Close stops every background goroutine (Timeout Manager watchdog,
// Session Manager sweep) and disposes every idle isolate. Call once,
// when the Sandbox itself is being torn down.
func (s *Sandbox) Close() {
	s.sessions.Stop()
	s.timeouts.Stop()
	s.pool.DisposeAll()
}

// Events returns the Sandbox's event bus, for a host that wants to
// observe execution-start/complete/error, timeout, resource-warning, and
// security-violation events.
func (s *Sandbox) Events() *events.Bus { return s.bus }

// Fs returns the shared Virtual Filesystem (spec's `Sandbox.fs`),
// directly exposing write/read/readdir/mkdir/delete/stat/chmod/watch to
// the host.
func (s *Sandbox) Fs() *vfs.VFS { return s.vfsRef }

// RunOptions configures one Sandbox.run call.
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
	Sandbox           map[string]any
}

func (o RunOptions) toRequest(source string) runtime.RunRequest {
	return runtime.RunRequest{
		Source:           source,
		Filename:         o.Filename,
		WallTimeoutMs:    o.WallTimeoutMs,
		CPUTimeLimitMs:   o.CPUTimeLimitMs,
		MemoryLimitBytes: o.MemoryLimitBytes,
		ContextOptions: runtime.ContextOptions{
			ConsoleMode:       o.ConsoleMode,
			ConsoleOnOutput:   o.ConsoleOnOutput,
			AllowTimers:       o.AllowTimers,
			FilesystemEnabled: o.FilesystemEnabled,
			Env:               o.Env,
			Sandbox:           o.Sandbox,
		},
	}
}

// Run compiles and executes source in one step (spec's `Sandbox.run`).
func (s *Sandbox) Run(source string, opts RunOptions) runtime.RunResult {
	return s.engine.Execute(opts.toRequest(source))
}

// CompiledScript is the result of a successful Sandbox.Compile: the
// syntax-checked source and filename, ready for one or more
// Sandbox.RunCompiled calls. v8go's UnboundScript is only reusable across
// contexts of the isolate that produced it, never across isolates, so a
// compiled script cannot carry a live *v8go.UnboundScript between calls
// the way a single-isolate embedding could — Compile instead performs an
// early syntax check against a borrowed isolate and RunCompiled
// recompiles the validated source on whichever isolate it acquires for
// that run. Documented here rather than left as a silent simplification.
type CompiledScript struct {
	Source   string
	Filename string
}

// Compile syntax-checks source against a borrowed isolate, returning a
// CompiledScript on success or a Syntax-classified error on failure.
func (s *Sandbox) Compile(source, filename string) (*CompiledScript, error) {
	iso, err := s.pool.Acquire()
	if err != nil {
		return nil, sanitize.New(sanitize.KindRuntime, "no isolate available: "+err.Error())
	}
	defer s.pool.Release(iso, nil)

	if filename == "" {
		filename = "/sandbox/main.js"
	}
	if _, compileErr := runtime.CompileCheck(iso, source, filename); compileErr != nil {
		return nil, compileErr
	}
	return &CompiledScript{Source: source, Filename: filename}, nil
}

// RunCompiled executes a previously compiled script (spec's
// `Sandbox.runCompiled`).
func (s *Sandbox) RunCompiled(script *CompiledScript, opts RunOptions) runtime.RunResult {
	if opts.Filename == "" {
		opts.Filename = script.Filename
	}
	return s.engine.Execute(opts.toRequest(script.Source))
}

// StreamEventKind identifies one event in a Sandbox.RunStream sequence.
type StreamEventKind string

const (
	StreamStart  StreamEventKind = "start"
	StreamResult StreamEventKind = "result"
	StreamError  StreamEventKind = "error"
	StreamEnd    StreamEventKind = "end"
)

// StreamEvent is one element of a Sandbox.RunStream sequence.
type StreamEvent struct {
	Kind   StreamEventKind
	Result *runtime.RunResult
}

// RunStream executes source and reports progress as a lazy sequence of
// start/result-or-error/end events (spec's `Sandbox.runStream`). The
// returned channel is finite and not restartable: it always emits exactly
// one Start, one of Result/Error, then End, and is then closed.
func (s *Sandbox) RunStream(source string, opts RunOptions) <-chan StreamEvent {
	out := make(chan StreamEvent, 3)
	go func() {
		defer close(out)
		out <- StreamEvent{Kind: StreamStart}
		result := s.engine.Execute(opts.toRequest(source))
		if result.Error != nil {
			r := result
			out <- StreamEvent{Kind: StreamError, Result: &r}
		} else {
			r := result
			out <- StreamEvent{Kind: StreamResult, Result: &r}
		}
		out <- StreamEvent{Kind: StreamEnd}
	}()
	return out
}

// CreateSession starts a new named, TTL-bound Session (spec's
// `Sandbox.createSession`).
func (s *Sandbox) CreateSession(id string, opts session.Options) *session.Session {
	opts.ID = id
	return s.sessions.CreateSession(opts)
}

// GetSession returns a live session by id, or false if it does not exist
// or has expired.
func (s *Sandbox) GetSession(id string) (*session.Session, bool) {
	return s.sessions.GetSession(id)
}

// DeleteSession removes a session.
func (s *Sandbox) DeleteSession(id string) {
	s.sessions.DeleteSession(id)
}

// ListSessions returns bookkeeping info for every live session.
func (s *Sandbox) ListSessions() []session.Info {
	return s.sessions.ListSessions()
}

// RunInSession runs source inside an existing session, applying its
// state, TTL, and execution-count rules (spec's `Session.run`).
func (s *Sandbox) RunInSession(sessionID, source string, opts session.RunOptions) runtime.RunResult {
	return s.sessions.Run(sessionID, source, opts)
}

// RegisterMock installs a module mock, gated by any installed manifest.
func (s *Sandbox) RegisterMock(specifier string, value any) error {
	return s.resolver.RegisterMock(specifier, value)
}

// Stats reports Isolate Manager pool occupancy, mainly for diagnostics.
func (s *Sandbox) Stats() isolate.Stats {
	return s.pool.Stats()
}
