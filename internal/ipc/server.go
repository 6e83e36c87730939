package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

const defaultRequestTimeout = 2 * time.Second

// Controller is the command path the server forwards requests to.
// *playback.Controller satisfies it.
type Controller interface {
	Execute(ctx context.Context, cmd playback.Command) (types.Snapshot, error)
	Status(ctx context.Context) (types.Snapshot, error)
}

// ServerOptions configures a Server
type ServerOptions struct {
	// RequestTimeout bounds how long a client may take to send its request
	RequestTimeout time.Duration
	// OnStop is called after a daemon_stop request has been answered
	OnStop func()
	Logger *zap.Logger
}

// Server is the IPC server
type Server struct {
	listener       net.Listener
	controller     Controller
	onStop         func()
	requestTimeout time.Duration
	log            *zap.Logger

	wg     sync.WaitGroup
	active atomic.Int32
}

// Listen creates the unix socket at path, readable by the current user only
func Listen(path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "set socket permissions")
	}
	return listener, nil
}

// NewServer creates a server answering requests on listener
func NewServer(listener net.Listener, controller Controller, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		listener:       listener,
		controller:     controller,
		onStop:         opts.OnStop,
		requestTimeout: opts.RequestTimeout,
		log:            opts.Logger,
	}
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("server listening", zap.String("addr", s.listener.Addr().String()))

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		s.listener.Close()
	}()

	// In-flight requests outlive the accept loop
	reqCtx := context.WithoutCancel(ctx)

	var err error
	for {
		conn, acceptErr := s.listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(acceptErr, &ne) && ne.Timeout() {
				continue
			}
			err = errors.Wrap(acceptErr, "accept")
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(reqCtx, conn)
		}()
	}

	s.log.Info("server shutting down", zap.Int32("in_flight", s.active.Load()))
	s.wg.Wait()
	s.log.Info("server stopped")
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.active.Add(1)
	defer s.active.Add(-1)

	if err := conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
		s.log.Debug("set read deadline", zap.Error(err))
		return
	}

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		if errors.Is(err, types.ErrBadRequest) {
			s.log.Info("malformed request", zap.Error(err))
			s.reply(conn, NewErrorResponse(err))
			return
		}
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read failed", zap.Error(err))
		}
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	started := time.Now()
	resp := s.dispatch(ctx, &req)

	// Skip verbose logging for status polling
	if req.Cmd != CmdStatus {
		fields := []zap.Field{zap.String("cmd", string(req.Cmd)), zap.Duration("took", time.Since(started))}
		if resp.OK {
			s.log.Debug("request handled", fields...)
		} else {
			s.log.Info("request failed", append(fields, zap.String("kind", string(resp.Error.Kind)), zap.String("error", resp.Error.Message))...)
		}
	}

	s.reply(conn, resp)

	if req.Cmd == CmdDaemonStop && resp.OK && s.onStop != nil {
		s.log.Info("stop requested by client")
		s.onStop()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Cmd {
	case CmdStatus, CmdDaemonStop:
		snap, err := s.controller.Status(ctx)
		if err != nil {
			return NewErrorResponse(err)
		}
		return NewSuccessResponse(snap)
	}

	cmd, err := ParseCommand(req)
	if err != nil {
		return NewErrorResponse(err)
	}
	snap, err := s.controller.Execute(ctx, cmd)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(snap)
}

// reply writes resp; a client that already went away is not an error
func (s *Server) reply(conn net.Conn, resp *Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
		return
	}
	if err := WriteFrame(conn, resp); err != nil {
		s.log.Debug("client went away before response", zap.Error(err))
	}
}
