package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	v8 "rogchap.com/v8go"

	"ember/config"
	"ember/engine/events"
	"ember/engine/isolate"
	"ember/engine/module"
	"ember/engine/monitor"
	"ember/engine/sanitize"
	"ember/engine/timeout"
	"ember/engine/vfs"
)

// RunRequest is one submitted unit of guest work.
type RunRequest struct {
	Source           string
	Filename         string
	WallTimeoutMs    int
	CPUTimeLimitMs   int
	MemoryLimitBytes int64
	ContextOptions   ContextOptions
}

// ResourceSnapshot mirrors monitor.Stats into the caller-facing shape.
type ResourceSnapshot struct {
	PeakCPUMs      int64
	FinalCPUMs     int64
	PeakHeapBytes  uint64
	FinalHeapBytes uint64
	Samples        int
}

// RunResult is the outcome of exactly one run. Exactly one of Value or
// Error is meaningful.
type RunResult struct {
	Value      any
	DurationMs int64
	CPUTimeMs  int64
	Resources  ResourceSnapshot
	Error      *sanitize.Error
}

// Engine orchestrates one run at a time per isolate borrowed from its
// Pool, wrapping the timeout watchdog and resource monitor around a
// freshly built guest surface for each run.
type Engine struct {
	pool     *isolate.Pool
	timeouts *timeout.Manager
	bus      *events.Bus
	vfs      *vfs.VFS
	resolver *module.Resolver
	cfg      config.Config
}

// NewEngine wires an Engine from already-constructed collaborators —
// nothing here owns their lifecycle except the Engine's own per-run
// Monitor instances.
func NewEngine(pool *isolate.Pool, timeouts *timeout.Manager, bus *events.Bus, vfsRef *vfs.VFS, resolver *module.Resolver, cfg config.Config) *Engine {
	return &Engine{pool: pool, timeouts: timeouts, bus: bus, vfs: vfsRef, resolver: resolver, cfg: cfg}
}

// Execute runs one request to completion. It never panics or returns a Go
// error — every failure mode is folded into RunResult.Error, matching the
// spec's "execute never throws" contract.
func (e *Engine) Execute(req RunRequest) RunResult {
	executionID := uuid.NewString()
	req.ContextOptions.ExecutionID = executionID
	startedAt := time.Now()
	e.bus.Emit(events.ExecutionStart{ExecutionID: executionID, StartedAt: startedAt})

	iso, err := e.pool.Acquire()
	if err != nil {
		return e.fail(executionID, startedAt, sanitize.New(sanitize.KindRuntime, "no isolate available: "+err.Error()))
	}

	wallTimeout := req.WallTimeoutMs
	if wallTimeout <= 0 {
		wallTimeout = e.cfg.DefaultWallTimeoutMs
	}
	cpuLimit := int64(req.CPUTimeLimitMs)
	if cpuLimit <= 0 {
		cpuLimit = int64(e.cfg.DefaultCPUTimeLimitMs)
	}
	memLimit := req.MemoryLimitBytes
	if memLimit <= 0 {
		memLimit = int64(e.cfg.DefaultMemoryLimitMB) * 1024 * 1024
	}

	e.timeouts.Arm(executionID, iso, wallTimeout)

	// The Monitor only observes and emits; disposing the isolate on a
	// critical memory threshold is the Engine's call.
	unsubscribe := e.bus.Subscribe(func(evt any) {
		if sv, ok := evt.(events.SecurityViolation); ok && sv.ExecutionID == executionID && sv.Capability == "memory" {
			iso.Poison(isolate.PoisonMemoryLimit)
			iso.Terminate()
		}
	})
	mon := monitor.New(executionID, iso, e.cfg.SampleIntervalMs, cpuLimit, uint64(memLimit), float64(e.cfg.MemoryCriticalPercent), e.bus)
	mon.Start()

	waitForExit := make(chan struct{})
	result := e.runOnIsolate(iso, req, waitForExit)

	e.timeouts.Clear(executionID)
	stats := mon.Stop()
	unsubscribe()
	e.pool.Release(iso, waitForExit)

	result.DurationMs = time.Since(startedAt).Milliseconds()
	result.Resources = ResourceSnapshot{
		PeakCPUMs:      stats.PeakCPUMs,
		FinalCPUMs:     stats.FinalCPUMs,
		PeakHeapBytes:  stats.PeakHeapBytes,
		FinalHeapBytes: stats.FinalHeapBytes,
		Samples:        stats.Samples,
	}
	result.CPUTimeMs = stats.FinalCPUMs

	if result.Error != nil {
		e.bus.Emit(events.ExecutionError{ExecutionID: executionID, Code: result.Error.Code, Message: result.Error.Message})
	} else {
		e.bus.Emit(events.ExecutionComplete{ExecutionID: executionID, DurationMs: result.DurationMs})
	}
	return result
}

// runOnIsolate compiles, runs, and transfers the result out. It does not
// itself emit events or manage watchdog/monitor lifecycle; those bracket
// this call in Execute.
func (e *Engine) runOnIsolate(iso *isolate.Isolate, req RunRequest, waitForExit chan<- struct{}) RunResult {
	// Returns that happen before the run goroutine starts close
	// waitForExit here, since no goroutine exists to do it.
	started := false
	defer func() {
		if !started {
			close(waitForExit)
		}
	}()

	filename := req.Filename
	if filename == "" {
		filename = "/sandbox/main.js"
	}

	gctx, err := buildContext(iso, e.vfs, e.resolver, filename, req.ContextOptions, e.bus)
	if err != nil {
		return RunResult{Error: sanitize.New(sanitize.KindRuntime, "build context: "+err.Error())}
	}
	defer gctx.close()

	if iso.Poisoned() {
		return RunResult{Error: sanitize.New(sanitize.KindRuntime, "isolate unavailable")}
	}

	script, err := iso.V8.CompileUnboundScript(req.Source, filename, v8.CompileOptions{})
	if err != nil {
		return RunResult{Error: classifyJSError(err, req.Source, sanitize.KindSyntax)}
	}

	type outcome struct {
		val *v8.Value
		err error
	}
	done := make(chan outcome, 1)
	started = true
	go func() {
		defer close(waitForExit)
		val, runErr := script.Run(gctx.v8ctx)
		done <- outcome{val: val, err: runErr}
	}()

	out := <-done // the isolate's own TerminateExecution (armed by the
	// timeout watchdog) is the authoritative enforcement; this channel
	// read does not race a second host timer against it. It simply waits
	// for whichever of natural completion or TerminateExecution unblocks
	// script.Run first.

	if out.err != nil {
		if reason := iso.PoisonedReason(); reason != isolate.PoisonNone {
			return RunResult{Error: poisonError(reason)}
		}
		return RunResult{Error: classifyJSError(out.err, req.Source, sanitize.KindRuntime)}
	}

	value, convErr := jsValueToAny(gctx.v8ctx, out.val)
	if convErr != nil {
		return RunResult{Error: sanitize.New(sanitize.KindUnknown, "could not transfer guest value: "+convErr.Error())}
	}
	return RunResult{Value: value}
}

// poisonError maps an isolate's poison reason to the caller-facing error
// for a terminated run.
func poisonError(reason isolate.PoisonReason) *sanitize.Error {
	switch reason {
	case isolate.PoisonCpuLimit:
		return sanitize.New(sanitize.KindCPULimit, "execution terminated: cpu time limit exceeded")
	case isolate.PoisonMemoryLimit:
		return sanitize.New(sanitize.KindMemoryLimit, "execution terminated: memory limit exceeded")
	default:
		return sanitize.New(sanitize.KindTimeout, "execution terminated: wall-clock timeout exceeded")
	}
}

// classifyJSError turns a v8go compile/run error into a SanitizedError.
// fallback is the kind used when the message carries no recognizable JS
// error constructor prefix: Syntax at compile time, Runtime once the
// script is executing.
func classifyJSError(err error, source string, fallback sanitize.Kind) *sanitize.Error {
	sanitizer := &sanitize.Sanitizer{Source: source}
	if jsErr, ok := err.(*v8.JSError); ok {
		name, message := splitJSErrorName(jsErr.Message)
		kind := sanitize.Classify(name, fallback)
		return sanitizer.Sanitize(kind, message, jsErr.StackTrace, 0, 0)
	}
	return sanitizer.Sanitize(sanitize.KindUnknown, err.Error(), "", 0, 0)
}

// splitJSErrorName extracts a leading "TypeError: ..." style prefix so
// Classify can match it; returns an empty name if the message carries no
// recognizable JS error constructor prefix, so Classify uses the caller's
// fallback kind.
func splitJSErrorName(message string) (name, rest string) {
	for _, candidate := range []string{"ReferenceError", "TypeError", "SyntaxError", "RangeError"} {
		prefix := candidate + ":"
		if len(message) > len(prefix) && message[:len(prefix)] == prefix {
			return candidate, trimLeadingSpace(message[len(prefix):])
		}
	}
	return "", message
}

func trimLeadingSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}

// CompileCheck validates source's syntax on iso without running it,
// classifying any failure via the Error Sanitizer. Used by the Sandbox
// facade's Compile step; the resulting *v8.UnboundScript is discarded
// since it cannot outlive the isolate that produced it.
func CompileCheck(iso *isolate.Isolate, source, filename string) (*v8.UnboundScript, error) {
	script, err := iso.V8.CompileUnboundScript(source, filename, v8.CompileOptions{})
	if err != nil {
		return nil, classifyJSError(err, source, sanitize.KindSyntax)
	}
	return script, nil
}

func (e *Engine) fail(executionID string, startedAt time.Time, sanitized *sanitize.Error) RunResult {
	e.bus.Emit(events.ExecutionError{ExecutionID: executionID, Code: sanitized.Code, Message: sanitized.Message})
	return RunResult{Error: sanitized, DurationMs: time.Since(startedAt).Milliseconds()}
}

// MarshalRunResult renders a RunResult's Value as JSON text for callers
// that need a stable wire form.
func MarshalRunResult(r RunResult) (string, error) {
	if r.Error != nil {
		return "", r.Error
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return "", fmt.Errorf("marshal run result: %w", err)
	}
	return string(data), nil
}
