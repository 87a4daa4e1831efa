package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLockBusy indicates a conflicting process already holds the lock.
var ErrLockBusy = errors.New("fs: lock busy")

// Lock is an exclusive, non-blocking, cross-process advisory lock backed by
// a sidecar file and flock(2).
//
// Lock is independent of the [FS] abstraction: flock has no portable
// fault-injection surface worth modeling, so Lock always opens the real
// filesystem directly.
type Lock struct {
	path string
	file *os.File
}

// NewLock returns a Lock for the given path. The sidecar lock file is
// path+".lock"; it is created on first Acquire and never removed by Release.
func NewLock(path string) *Lock {
	return &Lock{path: path + ".lock"}
}

// Acquire takes the exclusive lock or returns [ErrLockBusy] if another
// process already holds it. Acquire is not reentrant; calling it twice on
// an already-acquired Lock returns ErrLockBusy.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return ErrLockBusy
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrLockBusy
		}

		return fmt.Errorf("flock: %w", err)
	}

	l.file = f

	return nil
}

// Release releases the lock. It is a no-op if the lock was never acquired.
// The sidecar lock file is left in place.
func (l *Lock) Release() {
	if l.file == nil {
		return
	}

	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
