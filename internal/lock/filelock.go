package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// FileLock hands out exclusive locks by name. Each lock is a process-local
// mutex backed by an flock on <dir>/<name>.lock, so two processes sharing
// the same directory also exclude each other.
type FileLock struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu     sync.Mutex
	file   *os.File
	refcnt int
}

func NewFileLock(dir string) *FileLock {
	return &FileLock{
		dir:   dir,
		locks: make(map[string]*lockEntry),
	}
}

// Lock blocks until name is held and returns the release func.
// name must be a single path segment.
func (fl *FileLock) Lock(name string) (func(), error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}

	fl.mu.Lock()
	entry, exists := fl.locks[name]
	if !exists {
		entry = &lockEntry{}
		fl.locks[name] = entry
	}
	entry.refcnt++
	fl.mu.Unlock()

	entry.mu.Lock()

	if entry.file == nil {
		if err := os.MkdirAll(fl.dir, 0755); err != nil {
			fl.release(name, entry)
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}

		file, err := acquire(filepath.Join(fl.dir, name+".lock"))
		if err != nil {
			fl.release(name, entry)
			return nil, err
		}
		entry.file = file
	}

	var once sync.Once
	unlockFn := func() {
		once.Do(func() {
			if entry.file != nil {
				// Unlink while still holding the flock; a waiter that wakes on
				// the old inode sees the mismatch in acquire and retries.
				os.Remove(entry.file.Name())
				syscall.Flock(int(entry.file.Fd()), syscall.LOCK_UN)
				entry.file.Close()
				entry.file = nil
			}
			fl.release(name, entry)
		})
	}

	return unlockFn, nil
}

// acquire flocks the file at path. The lock only counts if path still names
// the locked inode once the flock is granted.
func acquire(path string) (*os.File, error) {
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		held, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to stat lock file: %w", err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return file, nil
		}
		file.Close()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat lock file: %w", err)
		}
	}
}

func (fl *FileLock) release(name string, entry *lockEntry) {
	entry.mu.Unlock()

	fl.mu.Lock()
	entry.refcnt--
	if entry.refcnt == 0 {
		delete(fl.locks, name)
	}
	fl.mu.Unlock()
}

// Held reports how many callers currently hold or wait on name.
func (fl *FileLock) Held(name string) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if entry, ok := fl.locks[name]; ok {
		return entry.refcnt
	}
	return 0
}
