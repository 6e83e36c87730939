//go:build unix

package daemon

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// pidLock is an exclusive advisory lock on the pid file, held for the
// daemon's lifetime. The kernel drops it when the process dies, so a stale
// pid file never blocks a new daemon.
type pidLock struct {
	path string
	f    *os.File
}

func acquireLock(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open pid file %s", path), types.ErrEndpointUnavailable)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, perr := ReadPID(path); perr == nil {
				return nil, errors.Wrapf(types.ErrAlreadyRunning, "pid %d holds %s", pid, path)
			}
			return nil, errors.Wrapf(types.ErrAlreadyRunning, "%s is locked", path)
		}
		return nil, errors.Mark(errors.Wrapf(err, "lock %s", path), types.ErrEndpointUnavailable)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrap(err, "truncate pid file"), types.ErrEndpointUnavailable)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrap(err, "write pid file"), types.ErrEndpointUnavailable)
	}
	return &pidLock{path: path, f: f}, nil
}

// release removes the pid file and drops the lock
func (l *pidLock) release() error {
	// Remove while still locked so a new daemon never sees our pid
	rmErr := os.Remove(l.path)
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrap(err, "unlock pid file")
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return errors.Wrap(rmErr, "remove pid file")
	}
	return nil
}

// ReadPID returns the pid recorded in the pid file at path
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse pid file %s", path)
	}
	return pid, nil
}
