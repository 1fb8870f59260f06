// Package fsutil provides the durable-write primitives shared by the DISR
// file stores: atomic replace (temp-write + rename) and an exclusive sibling
// lockfile that serializes concurrent writer processes.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AtomicWriteFile writes data to path via a temp file in the same directory
// followed by rename, so readers observe either the old or the new content,
// never a partial write. Parent directories are created as needed.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ErrLockHeld is returned when the lockfile could not be acquired within the
// configured wait budget.
var ErrLockHeld = errors.New("lock held by another writer")

// FileLock is an exclusive advisory lock implemented as a sibling lockfile
// created with O_CREATE|O_EXCL. It serializes writers across processes, which
// closes the read-modify-write race on append-only files: acquire, re-read the
// tail, write, release.
type FileLock struct {
	path string
}

// LockOptions tunes acquisition behavior.
type LockOptions struct {
	// Wait is the total time to keep retrying before giving up.
	Wait time.Duration
	// Stale is the age after which an existing lockfile is presumed abandoned
	// by a crashed writer and taken over.
	Stale time.Duration
}

// DefaultLockOptions are suitable for the short critical sections used here.
var DefaultLockOptions = LockOptions{
	Wait:  5 * time.Second,
	Stale: 30 * time.Second,
}

// AcquireLock takes the exclusive lock guarding path, retrying until opts.Wait
// elapses. The returned lock must be released with Release.
func AcquireLock(path string, opts LockOptions) (*FileLock, error) {
	if opts.Wait <= 0 {
		opts.Wait = DefaultLockOptions.Wait
	}
	if opts.Stale <= 0 {
		opts.Stale = DefaultLockOptions.Stale
	}

	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create dir for lock: %w", err)
	}

	deadline := time.Now().Add(opts.Wait)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			f.Close()
			return &FileLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lockfile %s: %w", lockPath, err)
		}

		// Existing lockfile: take over if it outlived the stale budget.
		// Takeover renames the stale file aside rather than removing it:
		// rename succeeds for exactly one waiter, so two waiters observing
		// the same stale lock cannot both clear the way and acquire.
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > opts.Stale {
				aside := fmt.Sprintf("%s.stale-%d", lockPath, time.Now().UnixNano())
				if os.Rename(lockPath, aside) == nil {
					_ = os.Remove(aside)
				}
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, lockPath)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// Release removes the lockfile. Safe to call once per acquired lock.
func (l *FileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
