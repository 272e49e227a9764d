package module

import (
	"testing"

	"ember/engine/manifest"
	"ember/engine/sanitize"
	"ember/engine/vfs"
)

func errKind(err error) sanitize.Kind {
	if se, ok := err.(*sanitize.Error); ok {
		return se.Kind
	}
	return ""
}

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := vfs.New(10 * 1024 * 1024)
	if err := v.Write("/sandbox/a.js", []byte("module.exports = 1;")); err != nil {
		t.Fatalf("seed vfs: %v", err)
	}
	if err := v.Write("/sandbox/lib/index.js", []byte("module.exports = 2;")); err != nil {
		t.Fatalf("seed vfs: %v", err)
	}
	if err := v.Write("/node_modules/leftpad/index.js", []byte("module.exports = 3;")); err != nil {
		t.Fatalf("seed vfs: %v", err)
	}
	return v
}

func TestResolveMockBypassesFileResolution(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	if err := r.RegisterMock("my-mock", map[string]any{"ok": true}); err != nil {
		t.Fatalf("RegisterMock: %v", err)
	}

	res, err := r.NewLoader().Resolve("my-mock", "/sandbox/a.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindMock {
		t.Fatalf("got kind %v, want KindMock", res.Kind)
	}
}

func TestResolveBuiltinWhitelisted(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("path", "/sandbox/a.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindBuiltin || res.BuiltinSource == "" {
		t.Fatalf("expected builtin resolution with source, got %+v", res)
	}
}

func TestResolveBuiltinDeniedWhenDisabled(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, false)

	_, err := r.NewLoader().Resolve("path", "/sandbox/a.js")
	if err == nil || errKind(err) != sanitize.KindModuleDenied {
		t.Fatalf("expected ModuleDenied, got %v", err)
	}
}

func TestResolveRelativeSpecifier(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("./a.js", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindFile || res.ResolvedPath != "/sandbox/a.js" {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveRelativeSpecifierExtensionCascade(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("./a", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ResolvedPath != "/sandbox/a.js" {
		t.Fatalf("got %q, want cascade to find a.js", res.ResolvedPath)
	}
}

func TestResolveRelativeSpecifierIndexCascade(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("./lib", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ResolvedPath != "/sandbox/lib/index.js" {
		t.Fatalf("got %q, want index cascade", res.ResolvedPath)
	}
}

func TestResolveAbsoluteSpecifier(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("/sandbox/a.js", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ResolvedPath != "/sandbox/a.js" {
		t.Fatalf("got %q", res.ResolvedPath)
	}
}

func TestResolveBareSpecifierViaNodeModules(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	res, err := r.NewLoader().Resolve("leftpad", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ResolvedPath != "/node_modules/leftpad/index.js" {
		t.Fatalf("got %q", res.ResolvedPath)
	}
}

func TestResolveBareSpecifierNotInNodeModulesDenied(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	_, err := r.NewLoader().Resolve("totally-external-pkg", "/sandbox/main.js")
	if err == nil || errKind(err) != sanitize.KindModuleDenied {
		t.Fatalf("expected ModuleDenied for unresolvable bare specifier, got %v", err)
	}
}

func TestResolveMissingFileFails(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	_, err := r.NewLoader().Resolve("./nope", "/sandbox/main.js")
	if err == nil || errKind(err) != sanitize.KindModuleNotFound {
		t.Fatalf("expected ModuleNotFound, got %v", err)
	}
}

func TestResolveCacheHitReturnsExports(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	r.Store("/sandbox/a.js", 42)

	res, err := r.NewLoader().Resolve("./a.js", "/sandbox/main.js")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.CacheHit || res.Exports != 42 {
		t.Fatalf("expected cache hit with exports 42, got %+v", res)
	}
}

func TestLoaderDetectsCircularDependency(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	l := r.NewLoader()

	if err := l.Push("/sandbox/a.js"); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if err := l.Push("/sandbox/b.js"); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	err := l.Push("/sandbox/a.js")
	if err == nil || errKind(err) != sanitize.KindCircularDependency {
		t.Fatalf("expected CircularDependency, got %v", err)
	}
}

func TestLoaderPopAllowsReentry(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	l := r.NewLoader()

	l.Push("/sandbox/a.js")
	l.Pop()
	if err := l.Push("/sandbox/a.js"); err != nil {
		t.Fatalf("expected re-push after pop to succeed, got %v", err)
	}
}

func TestDifferentLoadersHaveIndependentStacks(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)

	l1 := r.NewLoader()
	l1.Push("/sandbox/a.js")

	l2 := r.NewLoader()
	if err := l2.Push("/sandbox/a.js"); err != nil {
		t.Fatalf("expected independent loading stack per run, got %v", err)
	}
}

func TestMocksBypassCycleDetection(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	r.RegisterMock("cyclical-mock", "value")
	l := r.NewLoader()

	if _, err := l.Resolve("cyclical-mock", "/sandbox/a.js"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := l.Resolve("cyclical-mock", "/sandbox/a.js"); err != nil {
		t.Fatalf("expected repeated mock resolution to bypass loading stack entirely, got %v", err)
	}
}

func TestRegisterMockRequiresManifestAuthorizationWhenManifestSet(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	r.SetManifest(manifest.ModuleManifest{Mocks: []manifest.MockEntry{{Specifier: "allowed-mock"}}})

	if err := r.RegisterMock("allowed-mock", 1); err != nil {
		t.Fatalf("expected manifest-authorized mock to register, got %v", err)
	}
	if err := r.RegisterMock("unauthorized-mock", 1); err == nil {
		t.Fatal("expected unauthorized mock registration to fail")
	}
}

func TestResolveBuiltinDeniedWhenManifestDoesNotAuthorize(t *testing.T) {
	v := newTestVFS(t)
	r := NewResolver(v, true)
	r.SetManifest(manifest.ModuleManifest{AllowedBuiltins: []string{"path"}})

	if _, err := r.NewLoader().Resolve("path", "/sandbox/a.js"); err != nil {
		t.Fatalf("expected manifest-authorized builtin to resolve, got %v", err)
	}
	if _, err := r.NewLoader().Resolve("util", "/sandbox/a.js"); err == nil || errKind(err) != sanitize.KindModuleDenied {
		t.Fatalf("expected unauthorized builtin to be denied, got %v", err)
	}
}
