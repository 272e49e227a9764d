package vfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"ember/engine/sanitize"
)

// SnapshotRecord is the metadata for one file snapshot taken before a
// destructive VFS operation. Path is a VFS path; blob content is held in
// an in-memory content-addressed map, deduplicated by SHA-256.
type SnapshotRecord struct {
	Path        string
	Operation   string // "write" | "delete"
	ContentHash string // SHA-256 hex, empty if WasNewFile
	ExecutionID string
	Timestamp   time.Time
	WasNewFile  bool
	Permissions Permission
	TooLarge    bool
}

// maxSnapshotBlobBytes caps what gets a stored blob; larger files are
// still tracked in the journal but without retrievable content.
const maxSnapshotBlobBytes = 50 * 1024 * 1024

// SnapshotJournal records pre-mutation file state so a failed or
// cancelled execution's filesystem writes can be rolled back. The journal
// lives entirely in memory for the lifetime of the Sandbox; ember keeps
// no execution state on disk.
type SnapshotJournal struct {
	mu      sync.Mutex
	vfs     *VFS
	records []SnapshotRecord
	blobs   map[string][]byte // content hash -> bytes, deduplicated
}

// NewSnapshotJournal creates a journal bound to a VFS instance.
func NewSnapshotJournal(v *VFS) *SnapshotJournal {
	return &SnapshotJournal{
		vfs:   v,
		blobs: make(map[string][]byte),
	}
}

// Capture snapshots path's current content before executionID performs
// operation ("write" or "delete") on it. If the path does not currently
// exist, the record is marked WasNewFile so Restore knows to delete it
// rather than restore content.
func (j *SnapshotJournal) Capture(executionID, path, operation string) (SnapshotRecord, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return SnapshotRecord{}, err
	}

	rec := SnapshotRecord{
		Path:        path,
		Operation:   operation,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}

	stat, statErr := j.vfs.Stat(path)
	if statErr != nil {
		rec.WasNewFile = true
		j.append(rec)
		return rec, nil
	}
	rec.Permissions = stat.Permissions

	if stat.IsDir {
		j.append(rec)
		return rec, nil
	}

	if stat.SizeBytes > maxSnapshotBlobBytes {
		rec.TooLarge = true
		j.append(rec)
		return rec, nil
	}

	data, err := j.vfs.Read(path)
	if err != nil {
		return SnapshotRecord{}, err
	}
	hash := sha256.Sum256(data)
	rec.ContentHash = hex.EncodeToString(hash[:])

	j.mu.Lock()
	if _, exists := j.blobs[rec.ContentHash]; !exists {
		j.blobs[rec.ContentHash] = data
	}
	j.mu.Unlock()

	j.append(rec)
	return rec, nil
}

func (j *SnapshotJournal) append(rec SnapshotRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
}

// Records returns a copy of every snapshot taken so far.
func (j *SnapshotJournal) Records() []SnapshotRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]SnapshotRecord, len(j.records))
	copy(out, j.records)
	return out
}

// RestoreExecution undoes every filesystem mutation captured under
// executionID, restoring the earliest snapshot per path (the state before
// that execution first touched it). Returns the restored paths.
func (j *SnapshotJournal) RestoreExecution(executionID string) ([]string, error) {
	j.mu.Lock()
	var matching []SnapshotRecord
	for _, rec := range j.records {
		if rec.ExecutionID == executionID {
			matching = append(matching, rec)
		}
	}
	j.mu.Unlock()

	if len(matching) == 0 {
		return nil, fmt.Errorf("no snapshots found for execution %s", executionID)
	}

	sort.Slice(matching, func(i, k int) bool {
		return matching[i].Timestamp.Before(matching[k].Timestamp)
	})

	seen := make(map[string]bool)
	var unique []SnapshotRecord
	for _, rec := range matching {
		if seen[rec.Path] {
			continue
		}
		seen[rec.Path] = true
		unique = append(unique, rec)
	}

	var restored []string
	for _, rec := range unique {
		switch {
		case rec.WasNewFile:
			if err := j.vfs.Delete(rec.Path, true); err != nil {
				if se, ok := err.(*sanitize.Error); !ok || se.Kind != sanitize.KindNotFound {
					return restored, err
				}
			}
		case rec.TooLarge:
			return restored, fmt.Errorf("cannot restore %s: file was too large to snapshot", rec.Path)
		default:
			data, err := j.readBlob(rec.ContentHash)
			if err != nil {
				return restored, err
			}
			if err := j.vfs.Write(rec.Path, data); err != nil {
				return restored, err
			}
			if rec.Permissions != 0 {
				if err := j.vfs.Chmod(rec.Path, rec.Permissions); err != nil {
					return restored, err
				}
			}
		}
		restored = append(restored, rec.Path)
	}
	return restored, nil
}

// ReadBlob returns the content of a previously captured snapshot by hash.
func (j *SnapshotJournal) ReadBlob(hash string) ([]byte, error) {
	return j.readBlob(hash)
}

func (j *SnapshotJournal) readBlob(hash string) ([]byte, error) {
	if hash == "" {
		return nil, fmt.Errorf("empty content hash (file was new or a directory)")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	data, ok := j.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("no blob for hash %s", hash)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
