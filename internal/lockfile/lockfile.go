// Package lockfile provides a flock(2)-based single-instance guard.
//
// The lock file holds the PID of the current holder so operators can see
// who owns the booth without guessing from process listings.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("lock already held")

// Lock is an acquired exclusive lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file
// if needed. It returns ErrHeld (wrapped with the holder PID when readable)
// if another process owns the lock.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder > 0 {
				return nil, fmt.Errorf("%w by pid %d", ErrHeld, holder)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// Record our PID for diagnostics. The flock, not the content, is the
	// actual mutual exclusion.
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Sync()
	}

	return &Lock{path: path, f: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	// Remove before unlocking so a racing Acquire re-creates the file
	// rather than locking a deleted inode.
	os.Remove(l.path)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readHolder(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
