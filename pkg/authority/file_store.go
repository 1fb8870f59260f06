package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/decigov/disr/core/pkg/fsutil"
)

// FileStore keeps the ledger as a JSON array with a sibling snapshot file.
// Append serializes concurrent writers with a process mutex plus an on-disk
// lockfile, and re-reads the chain head only after the lock is held: two
// appenders can never base their entries on the same head.
type FileStore struct {
	mu           sync.Mutex
	path         string
	snapshotPath string
}

// NewFileStore opens a file-backed ledger at path. The snapshot lives next
// to it as <path>.snapshot.json.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:         path,
		snapshotPath: path + ".snapshot.json",
	}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string { return s.path }

// SnapshotPath returns the sibling snapshot location.
func (s *FileStore) SnapshotPath() string { return s.snapshotPath }

func (s *FileStore) Load(_ context.Context) ([]Entry, error) {
	return s.readEntries()
}

func (s *FileStore) Snapshot(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", s.snapshotPath, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", s.snapshotPath, err)
	}
	return &snap, nil
}

func (s *FileStore) Append(ctx context.Context, build buildFunc) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsutil.AcquireLock(s.path, fsutil.DefaultLockOptions)
	if err != nil {
		return Entry{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Release()

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	// The head is read under the lock; a concurrent appender that raced us
	// to the lock has already landed its entry by the time we read.
	entries, err := s.readEntries()
	if err != nil {
		return Entry{}, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Entry{}, err
	}

	h := head{EntryCount: len(entries)}
	if len(entries) > 0 {
		h.Prev = &entries[len(entries)-1]
	}
	if snap != nil {
		h.SnapshotVersion = snap.SnapshotVersion
	}

	entry, nextSnap, err := build(h)
	if err != nil {
		return Entry{}, err
	}

	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal ledger: %w", err)
	}
	if err := fsutil.AtomicWriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return Entry{}, fmt.Errorf("write ledger: %w", err)
	}

	snapData, err := json.MarshalIndent(nextSnap, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := fsutil.AtomicWriteFile(s.snapshotPath, append(snapData, '\n'), 0o600); err != nil {
		return Entry{}, fmt.Errorf("write snapshot: %w", err)
	}
	return entry, nil
}

func (s *FileStore) readEntries() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", s.path, err)
	}
	return entries, nil
}
