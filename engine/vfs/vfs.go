// Package vfs implements the in-memory, path-addressed virtual
// filesystem that mediates guest $fs calls and module resolution: a
// quota-enforced tree with Unix-style permission bits, watchers, and an
// optional snapshot journal (snapshot.go) for rolling back a failed
// run's mutations.
package vfs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"ember/engine/sanitize"
)

// Permission holds Unix-style octal bits. The system has no multi-user
// model: any bit set in the relevant class grants the capability, so
// read/write/execute checks OR the user/group/other bits together.
type Permission uint32

const (
	PermRead    Permission = 0o444
	PermWrite   Permission = 0o222
	PermExecute Permission = 0o111
)

// CanRead/CanWrite/CanExecute report whether any of the user/group/other
// bits for the given capability are set.
func (p Permission) CanRead() bool    { return p&PermRead != 0 }
func (p Permission) CanWrite() bool   { return p&PermWrite != 0 }
func (p Permission) CanExecute() bool { return p&PermExecute != 0 }

// DefaultFilePermission and DefaultDirPermission mirror common Unix
// defaults (0644 / 0755) scoped to this tree's single-tenant model.
const (
	DefaultFilePermission Permission = 0o644
	DefaultDirPermission  Permission = 0o755
)

// Metadata is shared by files and directories.
type Metadata struct {
	Created   time.Time
	Modified  time.Time
	Accessed  time.Time
	SizeBytes int64
}

type nodeKind int

const (
	kindFile nodeKind = iota
	kindDirectory
)

// node is the tagged File|Directory variant. Children own their own
// storage; a node never holds a reference back to its parent, so there is
// no cyclic ownership to manage. Callers that need parent context re-walk
// from the root.
type node struct {
	kind     nodeKind
	bytes    []byte
	children map[string]*node
	order    []string // insertion order, for readdir
	perm     Permission
	meta     Metadata
}

func newFileNode(data []byte, perm Permission, now time.Time) *node {
	return &node{
		kind:  kindFile,
		bytes: data,
		perm:  perm,
		meta:  Metadata{Created: now, Modified: now, Accessed: now, SizeBytes: int64(len(data))},
	}
}

func newDirNode(perm Permission, now time.Time) *node {
	return &node{
		kind:     kindDirectory,
		children: make(map[string]*node),
		perm:     perm,
		meta:     Metadata{Created: now, Modified: now, Accessed: now},
	}
}

// Quota tracks total bytes used against a ceiling. currentBytes is the sum
// of all live file sizes and must never exceed maxBytes after a
// successful mutation.
type Quota struct {
	CurrentBytes int64
	MaxBytes     int64
}

// FileStats is returned by Stat.
type FileStats struct {
	Name      string
	Path      string
	IsDir     bool
	SizeBytes int64
	Permissions Permission
	Created   time.Time
	Modified  time.Time
	Accessed  time.Time
}

// WatchEvent describes a single filesystem change delivered to a watcher.
type WatchEvent struct {
	Path string
	Kind string // "create" | "modify" | "delete"
}

// WatchFunc receives WatchEvents. A panicking callback never escapes into
// the filesystem; it is recovered and swallowed.
type WatchFunc func(WatchEvent)

// VFS is the in-memory tree. All operations are path-addressed with
// absolute, normalized paths and are safe for concurrent use.
type VFS struct {
	mu       sync.Mutex
	root     *node
	quota    Quota
	watchers map[string][]WatchFunc
	nowFn    func() time.Time
}

// New creates a VFS with the given quota ceiling and the default mount
// points /sandbox, /tmp, /cache.
func New(maxQuotaBytes int64) *VFS {
	now := time.Now
	v := &VFS{
		root:     newDirNode(DefaultDirPermission, now()),
		quota:    Quota{MaxBytes: maxQuotaBytes},
		watchers: make(map[string][]WatchFunc),
		nowFn:    now,
	}
	for _, mount := range []string{"/sandbox", "/tmp", "/cache"} {
		_ = v.Mkdir(mount, true)
	}
	return v
}

// GetQuotaUsage returns a snapshot of the current quota state.
func (v *VFS) GetQuotaUsage() Quota {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.quota
}

// NormalizePath resolves "." and ".." segments against root without ever
// escaping it, validates control characters and length, and returns the
// canonical absolute POSIX path. Idempotent: NormalizePath(NormalizePath(p))
// == NormalizePath(p).
func NormalizePath(path string) (string, error) {
	if len(path) == 0 {
		return "", sanitize.New(sanitize.KindInvalidPath, "path cannot be empty")
	}
	if len(path) > 4096 {
		return "", sanitize.New(sanitize.KindInvalidPath, "path exceeds 4096 bytes")
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return "", sanitize.New(sanitize.KindInvalidPath, "path contains control characters")
		}
	}

	segments := strings.Split(path, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			// ".." past root collapses to root — never escapes.
		default:
			stack = append(stack, seg)
		}
	}
	return "/" + strings.Join(stack, "/"), nil
}

func splitParent(path string) (parent string, name string) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// walk resolves path to its node, returning the chain of ancestor
// directories (root first) alongside it for size-invariant maintenance.
// Caller must hold v.mu.
func (v *VFS) walk(path string) (target *node, ancestors []*node, err error) {
	if path == "/" {
		return v.root, nil, nil
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := v.root
	ancestors = append(ancestors, cur)
	for i, seg := range segments {
		if cur.kind != kindDirectory {
			return nil, nil, sanitize.New(sanitize.KindNotADirectory, "not a directory: "+path)
		}
		child, ok := cur.children[seg]
		if !ok {
			return nil, nil, sanitize.New(sanitize.KindNotFound, "not found: "+path)
		}
		if i < len(segments)-1 {
			ancestors = append(ancestors, child)
		}
		cur = child
	}
	return cur, ancestors, nil
}

func (v *VFS) addSizeDelta(ancestors []*node, delta int64) {
	for _, a := range ancestors {
		a.meta.SizeBytes += delta
	}
	v.quota.CurrentBytes += delta
}

// Write creates intermediate directories, fails Quota if the new total
// would exceed maxBytes, and notifies watchers ("create" if new file,
// else "modify").
func (v *VFS) Write(path string, data []byte) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()

	parentPath, name := splitParent(path)
	parentNode, parentAncestors, err := v.walk(parentPath)
	if err != nil {
		// Auto-create intermediate directories.
		if parentPath != "/" {
			if mkErr := v.mkdirLocked(parentPath, true); mkErr != nil {
				v.mu.Unlock()
				return mkErr
			}
			parentNode, parentAncestors, err = v.walk(parentPath)
		}
		if err != nil {
			v.mu.Unlock()
			return err
		}
	}
	if parentNode.kind != kindDirectory {
		v.mu.Unlock()
		return sanitize.New(sanitize.KindNotADirectory, "not a directory: "+parentPath)
	}

	now := v.nowFn()
	existing, hadExisting := parentNode.children[name]
	var oldSize int64
	eventKind := "create"
	if hadExisting {
		if existing.kind == kindDirectory {
			v.mu.Unlock()
			return sanitize.New(sanitize.KindIsDirectory, "is a directory: "+path)
		}
		oldSize = existing.meta.SizeBytes
		eventKind = "modify"
	}

	newSize := int64(len(data))
	projected := v.quota.CurrentBytes - oldSize + newSize
	if projected > v.quota.MaxBytes {
		v.mu.Unlock()
		return sanitize.New(sanitize.KindQuota, "write would exceed quota")
	}

	perm := DefaultFilePermission
	if hadExisting {
		perm = existing.perm
	}
	fileNode := newFileNode(data, perm, now)
	if hadExisting {
		fileNode.meta.Created = existing.meta.Created
	}
	parentNode.setChild(name, fileNode)

	ancestors := append(parentAncestors, parentNode)
	v.addSizeDelta(ancestors, newSize-oldSize)

	v.mu.Unlock()
	v.notify(path, eventKind)
	return nil
}

// setChild inserts or replaces a named child, preserving first-insertion
// order for readdir.
func (n *node) setChild(name string, child *node) {
	if _, exists := n.children[name]; !exists {
		n.order = append(n.order, name)
	}
	n.children[name] = child
}

func (n *node) removeChild(name string) {
	delete(n.children, name)
	for i, nm := range n.order {
		if nm == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Read returns a file's bytes. Fails NotFound, IsDirectory, Permission.
func (v *VFS) Read(path string) ([]byte, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	n, _, err := v.walk(path)
	if err != nil {
		return nil, err
	}
	if n.kind == kindDirectory {
		return nil, sanitize.New(sanitize.KindIsDirectory, "is a directory: "+path)
	}
	if !n.perm.CanRead() {
		return nil, sanitize.New(sanitize.KindPermission, "permission denied: "+path)
	}
	n.meta.Accessed = v.nowFn()
	out := make([]byte, len(n.bytes))
	copy(out, n.bytes)
	return out, nil
}

// Exists reports whether path resolves to any node.
func (v *VFS) Exists(path string) bool {
	path, err := NormalizePath(path)
	if err != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _, err = v.walk(path)
	return err == nil
}

// ReadDir lists immediate children in insertion order. Fails NotFound,
// NotADirectory.
func (v *VFS) ReadDir(path string) ([]string, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	n, _, err := v.walk(path)
	if err != nil {
		return nil, err
	}
	if n.kind != kindDirectory {
		return nil, sanitize.New(sanitize.KindNotADirectory, "not a directory: "+path)
	}
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out, nil
}

// Mkdir creates a directory. Idempotent on an existing directory.
// Non-recursive fails ParentNotFound if any intermediate is missing.
func (v *VFS) Mkdir(path string, recursive bool) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	err = v.mkdirLocked(path, recursive)
	v.mu.Unlock()
	if err == nil {
		v.notify(path, "create")
	}
	return err
}

func (v *VFS) mkdirLocked(path string, recursive bool) error {
	if path == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := v.root
	built := "/"
	for i, seg := range segments {
		child, ok := cur.children[seg]
		if ok {
			if child.kind != kindDirectory {
				return sanitize.New(sanitize.KindNotADirectory, "not a directory: "+built+seg)
			}
			cur = child
			if built == "/" {
				built = "/" + seg
			} else {
				built = built + "/" + seg
			}
			continue
		}
		if !recursive && i < len(segments)-1 {
			return sanitize.New(sanitize.KindParentNotFound, "parent not found: "+built)
		}
		if !recursive && i == len(segments)-1 {
			// Non-recursive single-level create requires the parent to
			// already exist, which it does at this point (cur == parent).
		}
		newDir := newDirNode(DefaultDirPermission, v.nowFn())
		cur.setChild(seg, newDir)
		cur = newDir
		if built == "/" {
			built = "/" + seg
		} else {
			built = built + "/" + seg
		}
	}
	return nil
}

// Delete removes a node. Fails CannotDeleteRoot, DirectoryNotEmpty (if a
// directory has children and not recursive), NotFound. On success,
// decrements currentBytes by the removed subtree's total size.
func (v *VFS) Delete(path string, recursive bool) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return sanitize.New(sanitize.KindCannotDeleteRoot, "cannot delete root")
	}

	v.mu.Lock()
	parentPath, name := splitParent(path)
	parentNode, parentAncestors, err := v.walk(parentPath)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	target, ok := parentNode.children[name]
	if !ok {
		v.mu.Unlock()
		return sanitize.New(sanitize.KindNotFound, "not found: "+path)
	}
	if target.kind == kindDirectory && len(target.children) > 0 && !recursive {
		v.mu.Unlock()
		return sanitize.New(sanitize.KindDirectoryNotEmpty, "directory not empty: "+path)
	}

	removedSize := subtreeSize(target)
	parentNode.removeChild(name)
	ancestors := append(parentAncestors, parentNode)
	v.addSizeDelta(ancestors, -removedSize)
	v.mu.Unlock()

	v.notify(path, "delete")
	return nil
}

func subtreeSize(n *node) int64 {
	if n.kind == kindFile {
		return n.meta.SizeBytes
	}
	var total int64
	for _, c := range n.children {
		total += subtreeSize(c)
	}
	return total
}

// Stat returns metadata for a node.
func (v *VFS) Stat(path string) (FileStats, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return FileStats{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	n, _, err := v.walk(path)
	if err != nil {
		return FileStats{}, err
	}
	_, name := splitParent(path)
	if path == "/" {
		name = "/"
	}
	return FileStats{
		Name:        name,
		Path:        path,
		IsDir:       n.kind == kindDirectory,
		SizeBytes:   n.meta.SizeBytes,
		Permissions: n.perm,
		Created:     n.meta.Created,
		Modified:    n.meta.Modified,
		Accessed:    n.meta.Accessed,
	}, nil
}

// Chmod updates a node's permission bits and its modified time.
func (v *VFS) Chmod(path string, perm Permission) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	n, _, err := v.walk(path)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	n.perm = perm
	n.meta.Modified = v.nowFn()
	v.mu.Unlock()
	v.notify(path, "modify")
	return nil
}

// Watch registers cb for events on path. Watchers on an exact path receive
// all events for that path; watchers on a directory receive events for
// its immediate children only. Returns an unsubscribe function.
func (v *VFS) Watch(path string, cb WatchFunc) (unsubscribe func()) {
	path, err := NormalizePath(path)
	if err != nil {
		return func() {}
	}
	v.mu.Lock()
	v.watchers[path] = append(v.watchers[path], cb)
	idx := len(v.watchers[path]) - 1
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		list := v.watchers[path]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

// notify fires watchers for path (exact match) and for dirname(path)
// (immediate-child match), synchronously, before the mutating call
// returns. Panicking callbacks are recovered and swallowed.
func (v *VFS) notify(path, kind string) {
	v.mu.Lock()
	exact := append([]WatchFunc{}, v.watchers[path]...)
	parent, _ := splitParent(path)
	parentWatchers := append([]WatchFunc{}, v.watchers[parent]...)
	v.mu.Unlock()

	event := WatchEvent{Path: path, Kind: kind}
	for _, cb := range exact {
		invokeWatcher(cb, event)
	}
	for _, cb := range parentWatchers {
		invokeWatcher(cb, event)
	}
}

func invokeWatcher(cb WatchFunc, event WatchEvent) {
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb(event)
}

// ListAll returns every file path in the tree in sorted order, for
// host-side callers; not part of the guest-visible surface.
func (v *VFS) ListAll() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	var walkFn func(path string, n *node)
	walkFn = func(path string, n *node) {
		if n.kind == kindFile {
			out = append(out, path)
			return
		}
		for _, name := range n.order {
			child := n.children[name]
			childPath := path + "/" + name
			if path == "/" {
				childPath = "/" + name
			}
			walkFn(childPath, child)
		}
	}
	walkFn("/", v.root)
	sort.Strings(out)
	return out
}
