package ipc

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/austinkregel/local-media/playd/internal/types"
)

const defaultClientTimeout = 10 * time.Second

// Client sends single requests to the daemon socket
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the daemon listening on socketPath. A zero
// timeout uses a default.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// SocketPath returns the path the client dials
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call sends req on a fresh connection and returns the daemon's response. A
// missing socket or refused connection is reported as types.ErrNotRunning.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, errors.Mark(errors.Wrapf(err, "dial %s", c.socketPath), types.ErrNotRunning)
		}
		return nil, errors.Wrapf(err, "dial %s", c.socketPath)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, errors.Wrapf(err, "send %s", req.Cmd)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, errors.Wrapf(err, "read %s response", req.Cmd)
	}
	return &resp, nil
}

// Do sends cmd with args and returns the resulting snapshot. Error responses
// are returned as errors matching the sentinel of their kind.
func (c *Client) Do(ctx context.Context, cmd CommandType, args interface{}) (types.Snapshot, error) {
	req, err := NewRequest(cmd, args)
	if err != nil {
		return types.Snapshot{}, err
	}
	resp, err := c.Call(ctx, req)
	if err != nil {
		return types.Snapshot{}, err
	}
	if err := resp.Err(); err != nil {
		return types.Snapshot{}, err
	}
	if resp.Data == nil {
		return types.Snapshot{}, nil
	}
	return *resp.Data, nil
}

// Ping reports whether a daemon answers status on the socket
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, CmdStatus, nil)
	return err
}
