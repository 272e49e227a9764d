package vfs

import (
	"testing"

	"ember/engine/sanitize"
)

func errKind(err error) sanitize.Kind {
	se, ok := err.(*sanitize.Error)
	if !ok {
		return ""
	}
	return se.Kind
}

func TestNormalizePathIdempotent(t *testing.T) {
	cases := []string{"/a/b/c", "/a/./b/../c", "/../../escape", "/a//b/", "/"}
	for _, c := range cases {
		once, err := NormalizePath(c)
		if err != nil {
			t.Fatalf("NormalizePath(%q): %v", c, err)
		}
		twice, err := NormalizePath(once)
		if err != nil {
			t.Fatalf("NormalizePath(%q) second pass: %v", once, err)
		}
		if once != twice {
			t.Errorf("NormalizePath not idempotent: %q -> %q -> %q", c, once, twice)
		}
	}
}

func TestNormalizePathNeverEscapesRoot(t *testing.T) {
	got, err := NormalizePath("/../../../etc/passwd")
	if err != nil {
		t.Fatalf("NormalizePath: %v", err)
	}
	if got != "/etc/passwd" {
		t.Errorf("NormalizePath escaped root: got %q", got)
	}
}

func TestWriteThenRead(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/hello.txt", []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := v.Read("/sandbox/hello.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("Read = %q, want %q", data, "hi")
	}
	if v.GetQuotaUsage().CurrentBytes != 2 {
		t.Errorf("CurrentBytes = %d, want 2", v.GetQuotaUsage().CurrentBytes)
	}
}

func TestWriteExceedsQuota(t *testing.T) {
	v := New(4)
	err := v.Write("/sandbox/big.txt", []byte("too much data"))
	if err == nil {
		t.Fatal("expected quota error")
	}
	if errKind(err) != sanitize.KindQuota {
		t.Errorf("error kind = %v, want Quota", errKind(err))
	}
}

func TestWriteThenDeleteDecreasesQuota(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/a.txt", []byte("1234")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.GetQuotaUsage().CurrentBytes != 4 {
		t.Fatalf("CurrentBytes = %d, want 4", v.GetQuotaUsage().CurrentBytes)
	}
	if err := v.Delete("/sandbox/a.txt", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v.GetQuotaUsage().CurrentBytes != 0 {
		t.Errorf("CurrentBytes = %d, want 0 after delete", v.GetQuotaUsage().CurrentBytes)
	}
}

func TestDeleteCannotRemoveRoot(t *testing.T) {
	v := New(1024)
	err := v.Delete("/", true)
	if errKind(err) != sanitize.KindCannotDeleteRoot {
		t.Errorf("error kind = %v, want CannotDeleteRoot", errKind(err))
	}
}

func TestDeleteNonEmptyDirRequiresRecursive(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/dir/file.txt", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := v.Delete("/sandbox/dir", false)
	if errKind(err) != sanitize.KindDirectoryNotEmpty {
		t.Errorf("error kind = %v, want DirectoryNotEmpty", errKind(err))
	}
	if err := v.Delete("/sandbox/dir", true); err != nil {
		t.Fatalf("recursive Delete failed: %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	v := New(1024)
	_, err := v.Read("/sandbox/nope.txt")
	if errKind(err) != sanitize.KindNotFound {
		t.Errorf("error kind = %v, want NotFound", errKind(err))
	}
}

func TestReadDirectoryFails(t *testing.T) {
	v := New(1024)
	_, err := v.Read("/sandbox")
	if errKind(err) != sanitize.KindIsDirectory {
		t.Errorf("error kind = %v, want IsDirectory", errKind(err))
	}
}

func TestMkdirIdempotent(t *testing.T) {
	v := New(1024)
	if err := v.Mkdir("/sandbox/nested", true); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := v.Mkdir("/sandbox/nested", true); err != nil {
		t.Fatalf("Mkdir (idempotent): %v", err)
	}
}

func TestMkdirNonRecursiveMissingParent(t *testing.T) {
	v := New(1024)
	err := v.Mkdir("/sandbox/a/b", false)
	if errKind(err) != sanitize.KindParentNotFound {
		t.Errorf("error kind = %v, want ParentNotFound", errKind(err))
	}
}

func TestReadDirListsImmediateChildren(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := v.Write("/sandbox/b.txt", []byte("b")); err != nil {
		t.Fatal(err)
	}
	names, err := v.ReadDir("/sandbox")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("ReadDir returned %d entries, want 2: %v", len(names), names)
	}
}

func TestDefaultMountsExist(t *testing.T) {
	v := New(1024)
	for _, m := range []string{"/sandbox", "/tmp", "/cache"} {
		if !v.Exists(m) {
			t.Errorf("default mount %q missing", m)
		}
	}
}

func TestWatchExactPathReceivesEvents(t *testing.T) {
	v := New(1024)
	var got []WatchEvent
	unsub := v.Watch("/sandbox/watched.txt", func(e WatchEvent) {
		got = append(got, e)
	})
	defer unsub()

	if err := v.Write("/sandbox/watched.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != "create" {
		t.Fatalf("expected one create event, got %v", got)
	}

	if err := v.Write("/sandbox/watched.txt", []byte("xy")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Kind != "modify" {
		t.Fatalf("expected a modify event, got %v", got)
	}
}

func TestWatchDirectoryReceivesImmediateChildEvents(t *testing.T) {
	v := New(1024)
	var got []WatchEvent
	unsub := v.Watch("/sandbox", func(e WatchEvent) {
		got = append(got, e)
	})
	defer unsub()

	if err := v.Write("/sandbox/child.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Path != "/sandbox/child.txt" {
		t.Fatalf("expected directory watcher to see child event, got %v", got)
	}
}

func TestWatchCallbackPanicIsSwallowed(t *testing.T) {
	v := New(1024)
	unsub := v.Watch("/sandbox/panicky.txt", func(e WatchEvent) {
		panic("boom")
	})
	defer unsub()

	if err := v.Write("/sandbox/panicky.txt", []byte("x")); err != nil {
		t.Fatalf("Write should succeed despite panicking watcher: %v", err)
	}
}

func TestChmodUpdatesPermissions(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/file.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := v.Chmod("/sandbox/file.txt", 0o400); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	stat, err := v.Stat("/sandbox/file.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Permissions != 0o400 {
		t.Errorf("Permissions = %o, want 0400", stat.Permissions)
	}
}
