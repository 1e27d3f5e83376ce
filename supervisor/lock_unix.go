//go:build unix

package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// namedMutex is a single-instance-per-childroot guard: an advisory flock on
// a lock file, the Go substitute for the POSIX named semaphore the
// original broker used to keep two master instances from fighting over the
// same child root. Unlike a POSIX named semaphore, this is automatically
// released if the process dies, which is the behavior actually wanted here.
type namedMutex struct {
	f *os.File
}

func acquireNamedMutex(path string) (*namedMutex, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance already holds %s: %w", path, err)
	}
	return &namedMutex{f: f}, nil
}

func (m *namedMutex) release() error {
	if m == nil || m.f == nil {
		return nil
	}
	_ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
	return m.f.Close()
}
