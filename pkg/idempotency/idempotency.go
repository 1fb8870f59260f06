// Package idempotency deduplicates retried privileged requests. Callers
// reserve a request key before acting; a second reservation of the same key
// reports a duplicate instead of letting the action run twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/decigov/disr/core/pkg/fsutil"
)

// ErrDuplicate marks a request whose idempotency key was already reserved.
var ErrDuplicate = errors.New("duplicate request")

// Store reserves idempotency keys.
type Store interface {
	// Reserve claims key, returning false when it was already claimed.
	Reserve(ctx context.Context, key string) (bool, error)
	// Release returns a reserved key so a retry of a failed request is
	// not mistaken for a replay of a completed one.
	Release(ctx context.Context, key string) error
}

// FileStore keeps reserved keys in a JSON file next to the other security
// state, suitable for single-host deployments.
type FileStore struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// NewFileStore opens a file-backed key ledger at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *FileStore) WithClock(clock func() time.Time) *FileStore {
	s.clock = clock
	return s
}

func (s *FileStore) Reserve(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsutil.AcquireLock(s.path, fsutil.DefaultLockOptions)
	if err != nil {
		return false, fmt.Errorf("lock idempotency ledger: %w", err)
	}
	defer lock.Release()

	seen := map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read idempotency ledger: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &seen); err != nil {
			return false, fmt.Errorf("parse idempotency ledger %s: %w", s.path, err)
		}
	}
	if _, exists := seen[key]; exists {
		return false, nil
	}
	seen[key] = s.clock().UTC().Format(time.RFC3339)

	out, err := json.MarshalIndent(seen, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal idempotency ledger: %w", err)
	}
	if err := fsutil.AtomicWriteFile(s.path, append(out, '\n'), 0o600); err != nil {
		return false, fmt.Errorf("write idempotency ledger: %w", err)
	}
	return true, nil
}

func (s *FileStore) Release(_ context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsutil.AcquireLock(s.path, fsutil.DefaultLockOptions)
	if err != nil {
		return fmt.Errorf("lock idempotency ledger: %w", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read idempotency ledger: %w", err)
	}
	seen := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &seen); err != nil {
			return fmt.Errorf("parse idempotency ledger %s: %w", s.path, err)
		}
	}
	if _, exists := seen[key]; !exists {
		return nil
	}
	delete(seen, key)

	out, err := json.MarshalIndent(seen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal idempotency ledger: %w", err)
	}
	if err := fsutil.AtomicWriteFile(s.path, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("write idempotency ledger: %w", err)
	}
	return nil
}
