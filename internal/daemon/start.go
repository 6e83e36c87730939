package daemon

import (
	"context"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/austinkregel/local-media/playd/internal/ipc"
	"github.com/austinkregel/local-media/playd/internal/types"
)

const pollInterval = 50 * time.Millisecond

// StartDetached launches exe with args as a background daemon in its own
// session with null stdio, and waits up to timeout for it to answer on the
// client's socket.
func StartDetached(ctx context.Context, client *ipc.Client, exe string, args []string, timeout time.Duration) error {
	if err := client.Ping(ctx); err == nil {
		return errors.Wrapf(types.ErrAlreadyRunning, "daemon answering on %s", client.SocketPath())
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachAttrs()
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", exe)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			// Lost a race with another starter
			if client.Ping(context.Background()) == nil {
				return errors.Wrapf(types.ErrAlreadyRunning, "daemon answering on %s", client.SocketPath())
			}
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return errors.Mark(errors.Wrap(err, "daemon exited during startup"), types.ErrEndpointUnavailable)
		case <-ticker.C:
			if client.Ping(ctx) == nil {
				return nil
			}
		case <-ctx.Done():
			return errors.Mark(errors.Newf("daemon did not answer within %s", timeout), types.ErrEndpointUnavailable)
		}
	}
}

// Stop asks the daemon to exit and waits up to timeout for its socket to
// stop answering
func Stop(ctx context.Context, client *ipc.Client, timeout time.Duration) error {
	if _, err := client.Do(ctx, ipc.CmdDaemonStop, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := client.Ping(ctx); errors.Is(err, types.ErrNotRunning) {
				return nil
			}
		case <-ctx.Done():
			return errors.Newf("daemon still answering after %s", timeout)
		}
	}
}
