package vfs

import "testing"

func TestSnapshotCaptureExistingFile(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/hello.txt", []byte("original")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	j := NewSnapshotJournal(v)

	rec, err := j.Capture("exec-1", "/sandbox/hello.txt", "write")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if rec.WasNewFile {
		t.Error("expected WasNewFile=false for existing file")
	}
	if rec.ContentHash == "" {
		t.Error("expected non-empty ContentHash")
	}
}

func TestSnapshotCaptureNewFile(t *testing.T) {
	v := New(1024)
	j := NewSnapshotJournal(v)

	rec, err := j.Capture("exec-1", "/sandbox/nope.txt", "write")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !rec.WasNewFile {
		t.Error("expected WasNewFile=true for nonexistent file")
	}
	if rec.ContentHash != "" {
		t.Errorf("expected empty ContentHash for new file, got %q", rec.ContentHash)
	}
}

func TestSnapshotDeduplication(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/a.txt", []byte("same")); err != nil {
		t.Fatal(err)
	}
	if err := v.Write("/sandbox/b.txt", []byte("same")); err != nil {
		t.Fatal(err)
	}
	j := NewSnapshotJournal(v)

	rec1, err := j.Capture("exec-1", "/sandbox/a.txt", "write")
	if err != nil {
		t.Fatalf("Capture a: %v", err)
	}
	rec2, err := j.Capture("exec-1", "/sandbox/b.txt", "write")
	if err != nil {
		t.Fatalf("Capture b: %v", err)
	}
	if rec1.ContentHash != rec2.ContentHash {
		t.Error("expected identical content to produce identical hashes")
	}
	if len(j.blobs) != 1 {
		t.Errorf("expected 1 deduplicated blob, got %d", len(j.blobs))
	}
}

func TestRestoreExecutionUndoesWrite(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/config.txt", []byte("original")); err != nil {
		t.Fatal(err)
	}
	j := NewSnapshotJournal(v)

	if _, err := j.Capture("exec-1", "/sandbox/config.txt", "write"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := v.Write("/sandbox/config.txt", []byte("mutated by guest")); err != nil {
		t.Fatal(err)
	}

	restored, err := j.RestoreExecution("exec-1")
	if err != nil {
		t.Fatalf("RestoreExecution: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored path, got %d", len(restored))
	}

	data, err := v.Read("/sandbox/config.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("Read = %q, want %q", data, "original")
	}
}

func TestRestoreExecutionDeletesNewFile(t *testing.T) {
	v := New(1024)
	j := NewSnapshotJournal(v)

	if _, err := j.Capture("exec-1", "/sandbox/created.txt", "write"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := v.Write("/sandbox/created.txt", []byte("new content")); err != nil {
		t.Fatal(err)
	}

	if _, err := j.RestoreExecution("exec-1"); err != nil {
		t.Fatalf("RestoreExecution: %v", err)
	}
	if v.Exists("/sandbox/created.txt") {
		t.Error("expected created file to be removed by restore")
	}
}

func TestRestoreExecutionUnknownID(t *testing.T) {
	v := New(1024)
	j := NewSnapshotJournal(v)
	if _, err := j.RestoreExecution("missing"); err == nil {
		t.Error("expected error restoring an unknown execution id")
	}
}

func TestRestoreExecutionKeepsEarliestSnapshot(t *testing.T) {
	v := New(1024)
	if err := v.Write("/sandbox/multi.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	j := NewSnapshotJournal(v)

	if _, err := j.Capture("exec-1", "/sandbox/multi.txt", "write"); err != nil {
		t.Fatalf("Capture v1: %v", err)
	}
	if err := v.Write("/sandbox/multi.txt", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Capture("exec-1", "/sandbox/multi.txt", "write"); err != nil {
		t.Fatalf("Capture v2: %v", err)
	}
	if err := v.Write("/sandbox/multi.txt", []byte("v3")); err != nil {
		t.Fatal(err)
	}

	if _, err := j.RestoreExecution("exec-1"); err != nil {
		t.Fatalf("RestoreExecution: %v", err)
	}
	data, err := v.Read("/sandbox/multi.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "v1" {
		t.Errorf("Read = %q, want %q (earliest snapshot)", data, "v1")
	}
}
