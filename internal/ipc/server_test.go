package ipc

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeController records commands and answers with a fixed snapshot
type fakeController struct {
	mu   sync.Mutex
	cmds []playback.Command
	err  error
	snap types.Snapshot

	// gate, when set, blocks Execute until closed
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeController) Execute(ctx context.Context, cmd playback.Command) (types.Snapshot, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	gate, entered, err, snap := f.gate, f.entered, f.err, f.snap
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Snapshot{}, ctx.Err()
		}
	}
	return snap, err
}

func (f *fakeController) Status(ctx context.Context) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func (f *fakeController) commands() []playback.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playback.Command(nil), f.cmds...)
}

// socketPath returns a short socket path; t.TempDir can exceed the unix
// socket path limit
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "playd.sock")
}

type testServer struct {
	client *Client
	path   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startServer(t *testing.T, ctrl Controller, opts ServerOptions) *testServer {
	t.Helper()
	path := socketPath(t)
	listener, err := Listen(path)
	require.NoError(t, err)

	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	srv := NewServer(listener, ctrl, opts)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		client: NewClient(path, 2*time.Second),
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		ts.err = srv.Serve(ctx)
		close(ts.done)
	}()
	t.Cleanup(ts.stop)
	return ts
}

func (ts *testServer) stop() {
	ts.cancel()
	<-ts.done
}

func rawCall(t *testing.T, path string, frame []byte) *Response {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write(frame)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	return &resp
}

func TestSocketPermissions(t *testing.T) {
	ts := startServer(t, &fakeController{}, ServerOptions{})
	info, err := os.Stat(ts.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServeCommand(t *testing.T) {
	ctrl := &fakeController{snap: types.Snapshot{Mode: types.ModePlaying, Index: 0, Volume: 80}}
	ts := startServer(t, ctrl, ServerOptions{})

	snap, err := ts.client.Do(context.Background(), CmdPlay, PlayArgs{Query: "morning"})
	require.NoError(t, err)
	assert.Equal(t, types.ModePlaying, snap.Mode)
	assert.Equal(t, 80, snap.Volume)

	cmds := ctrl.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, playback.OpPlay, cmds[0].Op)
	assert.Equal(t, "morning", cmds[0].Query)
}

func TestStatusBypassesExecute(t *testing.T) {
	ctrl := &fakeController{snap: types.Snapshot{Mode: types.ModeIdle, Index: -1}}
	ts := startServer(t, ctrl, ServerOptions{})

	require.NoError(t, ts.client.Ping(context.Background()))
	assert.Empty(t, ctrl.commands())
}

func TestErrorKindReachesClient(t *testing.T) {
	ctrl := &fakeController{err: errors.Wrap(types.ErrInvalidTransition, "nothing is playing")}
	ts := startServer(t, ctrl, ServerOptions{})

	_, err := ts.client.Do(context.Background(), CmdPause, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidTransition), "got %v", err)
	assert.Contains(t, err.Error(), "nothing is playing")
}

func TestUnknownCommand(t *testing.T) {
	ctrl := &fakeController{}
	ts := startServer(t, ctrl, ServerOptions{})

	_, err := ts.client.Do(context.Background(), "explode", nil)
	assert.True(t, errors.Is(err, types.ErrBadRequest), "got %v", err)
	assert.Empty(t, ctrl.commands())
}

func TestMalformedFramesKeepServing(t *testing.T) {
	ts := startServer(t, &fakeController{}, ServerOptions{})

	payload := []byte("not json")
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	resp := rawCall(t, ts.path, frame)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindBadRequest, resp.Error.Kind)

	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)
	resp = rawCall(t, ts.path, oversized)
	assert.Equal(t, types.KindBadRequest, resp.Error.Kind)

	require.NoError(t, ts.client.Ping(context.Background()))
}

func TestStalledClientDropped(t *testing.T) {
	ts := startServer(t, &fakeController{}, ServerOptions{RequestTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("unix", ts.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// Half a header, then nothing
	_, err = conn.Write([]byte{0, 0})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "server should have closed the connection")

	require.NoError(t, ts.client.Ping(context.Background()))
}

func TestClientDisconnectIgnored(t *testing.T) {
	ctrl := &fakeController{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
		snap:    types.Snapshot{Mode: types.ModeStopped},
	}
	ts := startServer(t, ctrl, ServerOptions{})

	conn, err := net.Dial("unix", ts.path)
	require.NoError(t, err)
	req, err := NewRequest(CmdNext, nil)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	<-ctrl.entered
	conn.Close()
	close(ctrl.gate)

	require.NoError(t, ts.client.Ping(context.Background()))
	_, err = ts.client.Do(context.Background(), CmdStop, nil)
	require.NoError(t, err)
	assert.Len(t, ctrl.commands(), 2)
}

func TestDaemonStop(t *testing.T) {
	stopped := make(chan struct{})
	ts := startServer(t, &fakeController{}, ServerOptions{OnStop: func() { close(stopped) }})

	_, err := ts.client.Do(context.Background(), CmdDaemonStop, nil)
	require.NoError(t, err)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop was not called")
	}
}

func TestShutdownFinishesInFlight(t *testing.T) {
	ctrl := &fakeController{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
		snap:    types.Snapshot{Mode: types.ModePaused},
	}
	ts := startServer(t, ctrl, ServerOptions{})

	type reply struct {
		snap types.Snapshot
		err  error
	}
	replies := make(chan reply, 1)
	go func() {
		snap, err := ts.client.Do(context.Background(), CmdPause, nil)
		replies <- reply{snap, err}
	}()
	<-ctrl.entered

	ts.cancel()
	select {
	case <-ts.done:
		t.Fatal("Serve returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ctrl.gate)
	r := <-replies
	require.NoError(t, r.err)
	assert.Equal(t, types.ModePaused, r.snap.Mode)

	select {
	case <-ts.done:
		require.NoError(t, ts.err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	// New connections are refused once stopped
	_, err := ts.client.Do(context.Background(), CmdStatus, nil)
	assert.True(t, errors.Is(err, types.ErrNotRunning), "got %v", err)
}

func TestClientNotRunning(t *testing.T) {
	path := socketPath(t)

	_, err := NewClient(path, time.Second).Do(context.Background(), CmdStatus, nil)
	assert.True(t, errors.Is(err, types.ErrNotRunning), "missing socket: got %v", err)

	// A socket file left behind with nobody listening
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	listener.SetUnlinkOnClose(false)
	require.NoError(t, listener.Close())

	_, err = NewClient(path, time.Second).Do(context.Background(), CmdStatus, nil)
	assert.True(t, errors.Is(err, types.ErrNotRunning), "stale socket: got %v", err)
}
