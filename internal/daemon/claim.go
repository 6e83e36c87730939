package daemon

import (
	"context"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/ipc"
	"github.com/austinkregel/local-media/playd/internal/types"
)

const probeTimeout = time.Second

// claim makes this process the owner of the endpoint: it takes the pid
// lock, then binds the socket. A socket file left behind by a dead daemon
// is removed and the bind retried once.
func claim(ctx context.Context, socketPath, pidPath string, log *zap.Logger) (net.Listener, *pidLock, error) {
	lock, err := acquireLock(pidPath)
	if err != nil {
		return nil, nil, err
	}

	listener, err := listen(ctx, socketPath, log)
	if err != nil {
		if rerr := lock.release(); rerr != nil {
			log.Warn("failed to release pid lock", zap.Error(rerr))
		}
		return nil, nil, err
	}
	return listener, lock, nil
}

func listen(ctx context.Context, socketPath string, log *zap.Logger) (net.Listener, error) {
	listener, err := ipc.Listen(socketPath)
	if err == nil {
		return listener, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, errors.Mark(errors.Wrapf(err, "listen on %s", socketPath), types.ErrEndpointUnavailable)
	}

	// Somebody answers: a live daemon that does not use our pid file
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if perr := ipc.NewClient(socketPath, probeTimeout).Ping(probeCtx); perr == nil {
		return nil, errors.Wrapf(types.ErrAlreadyRunning, "a daemon is answering on %s", socketPath)
	}

	log.Info("removing stale socket", zap.String("path", socketPath))
	if rerr := os.Remove(socketPath); rerr != nil && !os.IsNotExist(rerr) {
		return nil, errors.Mark(errors.Wrap(rerr, "remove stale socket"), types.ErrEndpointUnavailable)
	}

	listener, err = ipc.Listen(socketPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "listen on %s after removing stale socket", socketPath), types.ErrEndpointUnavailable)
	}
	return listener, nil
}
