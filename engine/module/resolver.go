// Package module implements the require(specifier, fromPath) resolution
// algorithm: mock bypass, builtin whitelist, relative/absolute/bare
// specifier cascade against the virtual filesystem, an opaque exports
// cache keyed by resolved path, and per-run cycle detection.
//
// Evaluation itself is not this package's job: Resolve only identifies
// what to run and where from. The caller (engine/runtime) reads source
// via ReadSource, wraps and evaluates it in the guest context, and
// reports the result back via Store so the cache and loading stack stay
// consistent. Cache values are opaque (typed any) since only the guest
// side knows their shape.
package module

import (
	"path"
	"sort"
	"strings"
	"sync"

	"ember/engine/manifest"
	"ember/engine/sanitize"
	"ember/engine/vfs"
)

// builtinWhitelist is the fixed set of builtin specifiers the resolver
// recognizes. Anything else bare is an external package load and always
// fails ModuleDenied — the system never falls through to a host module
// ecosystem.
var builtinWhitelist = map[string]bool{
	"path":   true,
	"url":    true,
	"util":   true,
	"buffer": true,
	"stream": true,
}

// cascadeExtensions is the ordered list of suffixes tried against a
// resolved base path with no exact file match.
var cascadeExtensions = []string{".js", ".ts", ".json"}

// ResolutionKind identifies which of the require() resolution branches
// produced a Resolution.
type ResolutionKind int

const (
	KindMock ResolutionKind = iota
	KindBuiltin
	KindFile
)

// Resolution is the outcome of resolving one specifier.
type Resolution struct {
	Kind ResolutionKind

	// Set when Kind == KindMock: the registered mock value, already in
	// the opaque host-value shape the Execution Engine uses to inject
	// values into the guest (see engine/runtime's JSON-roundtrip
	// convention).
	MockValue any

	// Set when Kind == KindBuiltin: the polyfill's JS source, a
	// hand-written safe subset — never the host's real module.
	BuiltinSource string

	// Set when Kind == KindFile: the absolute, cascade-resolved path
	// into the Virtual Filesystem.
	ResolvedPath string

	// CacheHit reports whether ResolvedPath already has cached exports;
	// if true, Exports holds them and the caller must not re-evaluate.
	CacheHit bool
	Exports  any
}

// Resolver holds process-lifetime state shared across every run: the
// registered mocks, the builtin polyfill sources, the manifest governing
// which mocks/builtins are pre-authorized, and the exports cache keyed by
// resolved path. Safe for concurrent use.
type Resolver struct {
	mu            sync.Mutex
	vfs           *vfs.VFS
	mocks         map[string]any
	builtins      map[string]string
	manifest      manifest.ModuleManifest
	hasManifest   bool
	allowBuiltins bool
	cache         map[string]any
}

// NewResolver creates a Resolver backed by the given VFS. allowBuiltins
// mirrors spec's ModuleDenied-if-false gate on the builtin branch.
func NewResolver(v *vfs.VFS, allowBuiltins bool) *Resolver {
	return &Resolver{
		vfs:           v,
		mocks:         make(map[string]any),
		builtins:      defaultBuiltinSources(),
		allowBuiltins: allowBuiltins,
		cache:         make(map[string]any),
	}
}

// SetManifest installs a Mock/Builtin Registration Manifest. When set,
// RegisterMock and the builtin whitelist are additionally gated by the
// manifest's AllowsMock/AllowsBuiltin (see engine/manifest).
func (r *Resolver) SetManifest(m manifest.ModuleManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest = m
	r.hasManifest = true
}

// RegisterMock registers specifier to bypass all other resolution and
// return value directly. Fails if a manifest is installed and does not
// pre-authorize specifier as a mock.
func (r *Resolver) RegisterMock(specifier string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasManifest && !r.manifest.AllowsMock(specifier) {
		return sanitize.New(sanitize.KindModuleDenied, "mock not authorized by manifest: "+specifier)
	}
	r.mocks[specifier] = value
	return nil
}

// Loader is a per-run resolution context: it shares the Resolver's
// mocks/builtins/cache but owns its own loading stack, since cycle
// detection is scoped to a single run's recursive require() chain, not
// the process lifetime.
type Loader struct {
	r     *Resolver
	stack []string
}

// NewLoader starts a fresh per-run loading context.
func (r *Resolver) NewLoader() *Loader {
	return &Loader{r: r}
}

// Resolve implements require(specifier, fromPath)'s resolution order:
// mock bypass, then builtin whitelist, then relative/absolute/bare
// cascade against the VFS with cache lookup. It does not evaluate
// anything or touch the loading stack — callers must call Push before
// reading/evaluating a KindFile cache miss, and Pop (success or failure)
// once done.
func (l *Loader) Resolve(specifier, fromPath string) (Resolution, error) {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if mock, ok := r.mocks[specifier]; ok {
		return Resolution{Kind: KindMock, MockValue: mock}, nil
	}

	if builtinWhitelist[specifier] {
		if !r.allowBuiltins {
			return Resolution{}, sanitize.New(sanitize.KindModuleDenied, "builtins are disabled: "+specifier)
		}
		if r.hasManifest && !r.manifest.AllowsBuiltin(specifier) {
			return Resolution{}, sanitize.New(sanitize.KindModuleDenied, "builtin not authorized by manifest: "+specifier)
		}
		source, ok := r.builtins[specifier]
		if !ok {
			return Resolution{}, sanitize.New(sanitize.KindModuleDenied, "no polyfill registered for builtin: "+specifier)
		}
		return Resolution{Kind: KindBuiltin, BuiltinSource: source}, nil
	}

	resolvedPath, err := r.resolveSpecifier(specifier, fromPath)
	if err != nil {
		return Resolution{}, err
	}

	if exports, ok := r.cache[resolvedPath]; ok {
		return Resolution{Kind: KindFile, ResolvedPath: resolvedPath, CacheHit: true, Exports: exports}, nil
	}
	return Resolution{Kind: KindFile, ResolvedPath: resolvedPath}, nil
}

// resolveSpecifier implements spec step 3: relative/absolute/bare
// cascade. Must be called with r.mu held.
func (r *Resolver) resolveSpecifier(specifier, fromPath string) (string, error) {
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		base := path.Join(path.Dir(fromPath), specifier)
		return r.cascade(base)
	case strings.HasPrefix(specifier, "/"):
		return r.cascade(specifier)
	default:
		base := path.Join("/node_modules", specifier)
		resolved, err := r.cascade(base)
		if err != nil {
			return "", sanitize.New(sanitize.KindModuleDenied, "external module not permitted: "+specifier)
		}
		return resolved, nil
	}
}

// cascade tries base as an exact file, then base+ext for each of
// .js/.ts/.json, then base/index+ext for each extension.
func (r *Resolver) cascade(base string) (string, error) {
	candidates := []string{base}
	for _, ext := range cascadeExtensions {
		candidates = append(candidates, base+ext)
	}
	for _, ext := range cascadeExtensions {
		candidates = append(candidates, path.Join(base, "index"+ext))
	}

	for _, c := range candidates {
		stat, err := r.vfs.Stat(c)
		if err != nil {
			continue
		}
		if !stat.IsDir {
			return c, nil
		}
	}
	return "", sanitize.New(sanitize.KindModuleNotFound, "module not found: "+base)
}

// ReadSource reads a resolved module's source from the virtual
// filesystem. The source is never evaluated host-side; the caller wraps
// and runs it in the current guest context.
func (r *Resolver) ReadSource(resolvedPath string) (string, error) {
	data, err := r.vfs.Read(resolvedPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Push adds resolvedPath to the per-run loading stack, failing
// CircularDependency if it is already present. The error message
// includes the full cycle path.
func (l *Loader) Push(resolvedPath string) error {
	for i, p := range l.stack {
		if p == resolvedPath {
			cycle := append(append([]string{}, l.stack[i:]...), resolvedPath)
			return sanitize.New(sanitize.KindCircularDependency, "circular dependency: "+strings.Join(cycle, " -> "))
		}
	}
	l.stack = append(l.stack, resolvedPath)
	return nil
}

// Pop removes the top of the loading stack on both success and failure.
func (l *Loader) Pop() {
	if len(l.stack) == 0 {
		return
	}
	l.stack = l.stack[:len(l.stack)-1]
}

// Store caches exports for resolvedPath so later requires in any run
// return them immediately without re-evaluating.
func (r *Resolver) Store(resolvedPath string, exports any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[resolvedPath] = exports
}

// CacheKeys returns every resolved path currently cached, sorted, mainly
// for diagnostics and tests.
func (r *Resolver) CacheKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.cache))
	for k := range r.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// defaultBuiltinSources returns the hand-written, minimal safe-subset
// polyfills for the fixed builtin whitelist. Each is plain guest-side JS
// with no host object access — never the host's real module.
func defaultBuiltinSources() map[string]string {
	return map[string]string{
		"path":   pathPolyfillSource,
		"url":    urlPolyfillSource,
		"util":   utilPolyfillSource,
		"buffer": bufferPolyfillSource,
		"stream": streamPolyfillSource,
	}
}
