// Package runtime implements the execution engine and context builder:
// the per-run orchestration that acquires an isolate, builds its guest
// global surface (console, $fs, $env, require, timers), compiles and runs
// guest source under watchdog supervision, and sanitizes whatever crosses
// back out. Host values enter the guest through ObjectTemplate bindings
// and a JSON roundtrip; no host function is ever handed to the guest
// directly.
package runtime

import (
	"encoding/json"
	"fmt"
	"path"
	"sync"

	v8 "rogchap.com/v8go"

	"ember/engine/events"
	"ember/engine/isolate"
	"ember/engine/module"
	"ember/engine/policy"
	"ember/engine/sanitize"
	"ember/engine/vfs"
)

// ConsoleMode controls where guest console output goes.
type ConsoleMode string

const (
	ConsoleInherit  ConsoleMode = "inherit"
	ConsoleRedirect ConsoleMode = "redirect"
	ConsoleOff      ConsoleMode = "off"
)

// ConsoleOutputFunc receives one guest console call in redirect mode.
type ConsoleOutputFunc func(level, message string)

// ContextOptions configures one run's guest global surface. All fields
// are optional; the zero value is the most restrictive configuration
// (console off, no timers, no filesystem, no sandbox values, require
// present but builtins/mocks still gated by the Resolver it is bound to).
type ContextOptions struct {
	ConsoleMode       ConsoleMode
	ConsoleOnOutput   ConsoleOutputFunc
	AllowTimers       bool
	FilesystemEnabled bool
	Env               map[string]string
	Sandbox           map[string]any

	// SessionID scopes Capability Policy overrides (see engine/policy); a
	// run outside a Session uses the empty string, which only ever sees
	// manifest/default-deny decisions, never a persisted override.
	SessionID string
	// Policy evaluates every $fs call before it reaches the Virtual
	// Filesystem. A nil Policy allows every filesystem call once
	// FilesystemEnabled is set — callers that want enforcement must
	// supply one.
	Policy *policy.Evaluator
	// PolicyRules are the manifest/session-declared capability grants
	// this run carries in; see engine/policy.Evaluator.Evaluate.
	PolicyRules []policy.PermissionRule
	// Audit, when set, receives one AuditEntry per $fs capability check
	// (allowed or denied). Nil disables audit logging for this run.
	Audit *policy.AuditLogger
	// ExecutionID is stamped onto every audit entry this run produces;
	// set by the Execution Engine before buildContext runs.
	ExecutionID string

	// Snapshots, when set, receives a pre-mutation capture of every $fs
	// write/delete under SnapshotKey (a key unique to one Session run) so
	// a Session can roll back this run's filesystem effects. Nil disables
	// journaling.
	Snapshots   *vfs.SnapshotJournal
	SnapshotKey string
}

// blacklistedGlobals names the fixed injection blacklist. The Context
// Builder never sets any of these on the global template, and nothing
// checks the list at run time. Omission keeps the host surfaces
// ("process", "require.cache") out, but "eval" and "Function" are V8
// intrinsics present in every new context, and nothing removes them, so
// guest code can still reach them.
var blacklistedGlobals = []string{
	"process", "require.cache", "eval", "Function", "__proto__",
}

// timerRegistry backs allowTimers: opaque numeric IDs handed to the
// guest, never a raw host function. It stores only a cancel func per ID;
// the guest callback itself is not stored and is never invoked (see
// scheduleTimer).
type timerRegistry struct {
	mu      sync.Mutex
	nextID  int32
	cancel  map[int32]func()
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{cancel: make(map[int32]func())}
}

func (t *timerRegistry) register(cancelFn func()) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.cancel[id] = cancelFn
	return id
}

func (t *timerRegistry) clear(id int32) {
	t.mu.Lock()
	cancelFn, ok := t.cancel[id]
	delete(t.cancel, id)
	t.mu.Unlock()
	if ok {
		cancelFn()
	}
}

func (t *timerRegistry) clearAll() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.cancel))
	for _, fn := range t.cancel {
		fns = append(fns, fn)
	}
	t.cancel = make(map[int32]func())
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// guestContext bundles a fresh v8.Context together with the per-run
// resources it owns (timers, a Loader bound into require) so the engine
// can tear them all down together when the run ends.
type guestContext struct {
	v8ctx   *v8.Context
	timers  *timerRegistry
	loader  *module.Loader
}

// close releases the per-run resources this context owns. The v8.Context
// itself is not closed here: ownership transfers to the isolate in
// buildContext, and either the next run's buildContext or the pool's
// dispose closes it — closing it in both places would double-free the
// native handle.
func (g *guestContext) close() {
	if g.timers != nil {
		g.timers.clearAll()
	}
}

// buildContext constructs a fresh ExecutionContext on iso: an
// ObjectTemplate carrying console/$fs/$env/require/timers per opts, bound
// into a new v8.Context. The isolate's own previous context (if any,
// e.g. the pool's placeholder from creation) is closed first — contexts
// are run-scoped, isolates are pool-scoped.
func buildContext(iso *isolate.Isolate, v *vfs.VFS, resolver *module.Resolver, filename string, opts ContextOptions, bus *events.Bus) (*guestContext, error) {
	global := v8.NewObjectTemplate(iso.V8)

	if err := injectConsole(iso.V8, global, opts); err != nil {
		return nil, fmt.Errorf("inject console: %w", err)
	}
	if opts.FilesystemEnabled {
		if err := injectFS(iso.V8, global, v, opts, bus); err != nil {
			return nil, fmt.Errorf("inject $fs: %w", err)
		}
	}

	var timers *timerRegistry
	if opts.AllowTimers {
		timers = newTimerRegistry()
		if err := injectTimers(iso.V8, global, timers); err != nil {
			return nil, fmt.Errorf("inject timers: %w", err)
		}
	}

	var loader *module.Loader
	if resolver != nil {
		loader = resolver.NewLoader()
		if err := injectRequire(iso.V8, global, resolver, loader, filename); err != nil {
			return nil, fmt.Errorf("inject require: %w", err)
		}
	}

	if iso.Ctx != nil {
		iso.Ctx.Close()
		iso.Ctx = nil
	}
	v8ctx := v8.NewContext(iso.V8, global)

	if err := injectEnvAndSandbox(v8ctx, opts.Env, opts.Sandbox); err != nil {
		v8ctx.Close()
		return nil, fmt.Errorf("inject $env/sandbox values: %w", err)
	}
	iso.Ctx = v8ctx

	return &guestContext{v8ctx: v8ctx, timers: timers, loader: loader}, nil
}

func injectConsole(iso *v8.Isolate, global *v8.ObjectTemplate, opts ContextOptions) error {
	console := v8.NewObjectTemplate(iso)
	mode := opts.ConsoleMode
	if mode == "" {
		mode = ConsoleOff
	}

	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			if mode == ConsoleOff {
				return v8.Undefined(iso)
			}
			message := joinArgs(info)
			switch mode {
			case ConsoleRedirect:
				if opts.ConsoleOnOutput != nil {
					opts.ConsoleOnOutput(level, message)
				}
			case ConsoleInherit:
				fmt.Println("[guest " + level + "] " + message)
			}
			return v8.Undefined(iso)
		})
		if err := console.Set(level, fn, v8.ReadOnly); err != nil {
			return err
		}
	}
	return global.Set("console", console, v8.ReadOnly)
}

func joinArgs(info *v8.FunctionCallbackInfo) string {
	args := info.Args()
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// checkFSCapability evaluates a filesystem action against the run's
// Capability Policy before the call reaches the Virtual Filesystem. A nil
// opts.Policy allows everything (the caller chose not to enforce one); a
// denial is reported on bus as a SecurityViolation and returned as a
// sanitize.KindPermission error, matching how every other $fs failure
// already crosses the guest boundary.
func checkFSCapability(opts ContextOptions, bus *events.Bus, action, target string) error {
	if opts.Policy == nil {
		return nil
	}
	key := policy.NewCapabilityKey("fs", action, target)
	decision := opts.Policy.Evaluate(opts.SessionID, key, opts.PolicyRules)

	if decision.Effect == policy.EffectAllow {
		auditDecision(opts, key, "allowed", decision.Source, "")
		return nil
	}
	if bus != nil {
		bus.Emit(events.SecurityViolation{ExecutionID: opts.ExecutionID, Capability: key.Raw(), Detail: "capability policy denied " + action + " on " + target})
	}
	denyErr := sanitize.New(sanitize.KindPermission, "permission denied: "+action+" "+target)
	auditDecision(opts, key, "denied", decision.Source, denyErr.Message)
	return denyErr
}

// auditDecision appends one entry to opts.Audit, if a logger was supplied
// for this run. A write failure is swallowed: audit logging must never
// surface as a guest-visible error.
func auditDecision(opts ContextOptions, key policy.CapabilityKey, decision string, source policy.DecisionSource, errMsg string) {
	if opts.Audit == nil {
		return
	}
	_ = opts.Audit.Log(policy.AuditEntry{
		ExecutionID: opts.ExecutionID,
		Capability:  key.Resource + ":" + key.Action,
		Target:      key.Target,
		Decision:    decision,
		Source:      source.String(),
		Error:       errMsg,
	})
}

func injectFS(iso *v8.Isolate, global *v8.ObjectTemplate, v *vfs.VFS, opts ContextOptions, bus *events.Bus) error {
	fsTpl := v8.NewObjectTemplate(iso)

	set := func(name string, fn v8.FunctionCallback) error {
		tmpl := v8.NewFunctionTemplate(iso, fn)
		return fsTpl.Set(name, tmpl, v8.ReadOnly)
	}

	if err := set("write", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, content, err := twoStringArgs(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "write", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if opts.Snapshots != nil {
			if _, err := opts.Snapshots.Capture(opts.SnapshotKey, path, "write"); err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
		}
		if err := v.Write(path, []byte(content)); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		return v8.Undefined(iso)
	}); err != nil {
		return err
	}

	if err := set("read", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "read", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		data, err := v.Read(path)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		val, _ := v8.NewValue(iso, string(data))
		return val
	}); err != nil {
		return err
	}

	if err := set("exists", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "read", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		val, _ := v8.NewValue(iso, v.Exists(path))
		return val
	}); err != nil {
		return err
	}

	if err := set("readdir", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "read", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		names, err := v.ReadDir(path)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		return jsonRoundtrip(iso, info.Context(), names)
	}); err != nil {
		return err
	}

	if err := set("mkdir", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "write", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := v.Mkdir(path, true); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		return v8.Undefined(iso)
	}); err != nil {
		return err
	}

	if err := set("delete", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "delete", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if opts.Snapshots != nil {
			if _, err := opts.Snapshots.Capture(opts.SnapshotKey, path, "delete"); err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
		}
		if err := v.Delete(path, true); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		return v8.Undefined(iso)
	}); err != nil {
		return err
	}

	if err := set("stat", func(info *v8.FunctionCallbackInfo) *v8.Value {
		path, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		if err := checkFSCapability(opts, bus, "read", path); err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		stat, err := v.Stat(path)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		return jsonRoundtrip(iso, info.Context(), map[string]any{
			"name":      stat.Name,
			"path":      stat.Path,
			"isDir":     stat.IsDir,
			"sizeBytes": stat.SizeBytes,
		})
	}); err != nil {
		return err
	}

	return global.Set("$fs", fsTpl, v8.ReadOnly)
}

// injectTimers wires setTimeout/setInterval/clearTimeout/clearInterval to
// opaque numeric IDs, keyed in timers rather than handing the guest a raw
// host function. A run has no event loop beyond its single synchronous
// script execution, so registered callbacks never actually fire before
// the run ends; clearTimeout/clearInterval on a still-registered ID are
// honored so defensive guest cleanup code does not throw.
func injectTimers(iso *v8.Isolate, global *v8.ObjectTemplate, timers *timerRegistry) error {
	setTimeoutFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return scheduleTimer(iso, info, timers, false)
	})
	if err := global.Set("setTimeout", setTimeoutFn, v8.ReadOnly); err != nil {
		return err
	}

	setIntervalFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return scheduleTimer(iso, info, timers, true)
	})
	if err := global.Set("setInterval", setIntervalFn, v8.ReadOnly); err != nil {
		return err
	}

	clearFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) > 0 {
			id := int32(args[0].Int32())
			timers.clear(id)
		}
		return v8.Undefined(iso)
	})
	if err := global.Set("clearTimeout", clearFn, v8.ReadOnly); err != nil {
		return err
	}
	return global.Set("clearInterval", clearFn, v8.ReadOnly)
}

func scheduleTimer(iso *v8.Isolate, info *v8.FunctionCallbackInfo, timers *timerRegistry, repeat bool) *v8.Value {
	args := info.Args()
	if len(args) < 1 || !args[0].IsFunction() {
		return throwGuestError(iso, info.Context(), fmt.Errorf("timer callback must be a function"))
	}
	// The guest's timeout/interval callbacks never fire in this
	// synchronous execution model: a run's wall-clock budget ends before
	// the host event loop would otherwise revisit them, and ember has no
	// persistent event loop across runs. Registering still returns a
	// valid opaque ID so guest code that calls clearTimeout(id)
	// defensively does not throw.
	id := timers.register(func() {})
	val, _ := v8.NewValue(iso, id)
	_ = repeat
	return val
}

func injectRequire(iso *v8.Isolate, global *v8.ObjectTemplate, resolver *module.Resolver, loader *module.Loader, filename string) error {
	// valueCache keeps this run's live exports objects keyed by resolved
	// path, so two requires of the same physical file return the same
	// guest object (referential stability). Guest callbacks run strictly
	// serialized on the isolate, so no lock is needed. The Resolver's own
	// cache carries the JSON shape across runs; this one carries identity
	// within a run.
	valueCache := make(map[string]*v8.Value)

	fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		specifier, err := firstStringArg(info)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		// A nested module's require shim passes its own path as a second
		// argument so relative specifiers resolve against the requiring
		// module, not the entry file.
		fromPath := filename
		if args := info.Args(); len(args) >= 2 && args[1].IsString() {
			fromPath = args[1].String()
		}
		res, err := loader.Resolve(specifier, fromPath)
		if err != nil {
			return throwGuestError(iso, info.Context(), err)
		}
		switch res.Kind {
		case module.KindMock:
			return jsonRoundtrip(iso, info.Context(), res.MockValue)
		case module.KindBuiltin:
			val, err := info.Context().RunScript(
				"(function(){ var module = {exports:{}}; "+res.BuiltinSource+" return module.exports; })()",
				"builtin:"+specifier)
			if err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
			return val
		case module.KindFile:
			if cached, ok := valueCache[res.ResolvedPath]; ok {
				return cached
			}
			if res.CacheHit {
				val := jsonRoundtrip(iso, info.Context(), res.Exports)
				valueCache[res.ResolvedPath] = val
				return val
			}
			if err := loader.Push(res.ResolvedPath); err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
			defer loader.Pop()
			source, err := resolver.ReadSource(res.ResolvedPath)
			if err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
			val, err := info.Context().RunScript(wrapModuleSource(source, res.ResolvedPath), res.ResolvedPath)
			if err != nil {
				return throwGuestError(iso, info.Context(), err)
			}
			valueCache[res.ResolvedPath] = val
			exported, err := jsValueToAny(info.Context(), val)
			if err == nil {
				resolver.Store(res.ResolvedPath, exported)
			}
			return val
		default:
			return throwGuestError(iso, info.Context(), fmt.Errorf("unresolvable specifier: %s", specifier))
		}
	})
	return global.Set("require", fn, v8.ReadOnly)
}

// wrapModuleSource wraps a module body in the
// (module, exports, require, __filename, __dirname) function convention.
// The require argument is a shim that forwards the module's own resolved
// path, so its relative requires resolve against its directory.
func wrapModuleSource(source, resolvedPath string) string {
	pathLit, _ := json.Marshal(resolvedPath)
	dirLit, _ := json.Marshal(path.Dir(resolvedPath))
	return "(function(){ var module = {exports:{}}; (function(module, exports, require, __filename, __dirname){\n" +
		source +
		"\n})(module, module.exports, function(s){ return require(s, " + string(pathLit) + "); }, " + string(pathLit) + ", " + string(dirLit) + "); return module.exports; })()"
}

// injectEnvAndSandbox materializes $env and every caller-supplied sandbox
// value onto the already-created context's global object via a single
// JSON.parse roundtrip per value. Both need a live v8.Context to parse
// JSON into, which does not exist until after v8.NewContext returns, so
// this runs as a second pass immediately following context creation.
func injectEnvAndSandbox(v8ctx *v8.Context, env map[string]string, sandbox map[string]any) error {
	global := v8ctx.Global()

	envData, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := setGlobalFromJSON(v8ctx, global, "$env", envData); err != nil {
		return err
	}

	for key, val := range sandbox {
		data, err := marshalSandboxValue(val)
		if err != nil {
			return err
		}
		if err := setGlobalFromJSON(v8ctx, global, key, data); err != nil {
			return err
		}
	}
	return nil
}

// marshalSandboxValue JSON-encodes val, falling back to its string form
// if it is not JSON-serializable (spec's "coerced to their string
// representation").
func marshalSandboxValue(val any) (json.RawMessage, error) {
	data, err := json.Marshal(val)
	if err != nil {
		data, err = json.Marshal(fmt.Sprintf("%v", val))
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func setGlobalFromJSON(v8ctx *v8.Context, global *v8.Object, name string, data json.RawMessage) error {
	val, err := v8ctx.RunScript("("+string(data)+")", "inject:"+name)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", name, err)
	}
	return global.Set(name, val)
}

func jsonRoundtrip(iso *v8.Isolate, ctx *v8.Context, val any) *v8.Value {
	data, err := marshalSandboxValue(val)
	if err != nil {
		return throwGuestError(iso, ctx, err)
	}
	v, err := ctx.RunScript("("+string(data)+")", "roundtrip")
	if err != nil {
		return throwGuestError(iso, ctx, err)
	}
	return v
}

func jsValueToAny(ctx *v8.Context, val *v8.Value) (any, error) {
	if val.IsUndefined() || val.IsNull() {
		return nil, nil
	}
	jsonStr, err := v8.JSONStringify(ctx, val)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func firstStringArg(info *v8.FunctionCallbackInfo) (string, error) {
	args := info.Args()
	if len(args) < 1 || !args[0].IsString() {
		return "", fmt.Errorf("argument 0 must be a string")
	}
	return args[0].String(), nil
}

func twoStringArgs(info *v8.FunctionCallbackInfo) (string, string, error) {
	args := info.Args()
	if len(args) < 2 || !args[0].IsString() || !args[1].IsString() {
		return "", "", fmt.Errorf("two string arguments required")
	}
	return args[0].String(), args[1].String(), nil
}

// throwGuestError throws err's message into the guest as a JS
// exception.
func throwGuestError(iso *v8.Isolate, ctx *v8.Context, err error) *v8.Value {
	val, _ := v8.NewValue(iso, err.Error())
	return iso.ThrowException(val)
}
