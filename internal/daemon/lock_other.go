//go:build !unix

package daemon

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// pidLock records the pid without a kernel lock. The socket claim still
// detects a running daemon.
type pidLock struct {
	path string
}

func acquireLock(path string) (*pidLock, error) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "write pid file"), types.ErrEndpointUnavailable)
	}
	return &pidLock{path: path}, nil
}

func (l *pidLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove pid file")
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
