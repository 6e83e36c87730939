// Package ipc handles inter-process communication between the daemon and clients.
//
// Every message on the socket is a frame: a 4-byte big-endian length followed
// by that many bytes of JSON. A connection carries exactly one request and one
// response.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// MaxFrameSize is the largest frame either side accepts
const MaxFrameSize = 1 << 20

// maxPositionMs is the largest seek offset that fits in a time.Duration
const maxPositionMs = int64(math.MaxInt64 / int64(time.Millisecond))

// CommandType represents the type of command
type CommandType string

const (
	CmdPlay       CommandType = "play"
	CmdPlayQueue  CommandType = "play_queue"
	CmdPause      CommandType = "pause"
	CmdResume     CommandType = "resume"
	CmdStop       CommandType = "stop"
	CmdNext       CommandType = "next"
	CmdPrevious   CommandType = "previous"
	CmdSeek       CommandType = "seek"
	CmdSetVolume  CommandType = "set_volume"
	CmdEnqueue    CommandType = "enqueue"
	CmdSetShuffle CommandType = "set_shuffle"
	CmdSetRepeat  CommandType = "set_repeat"
	CmdQueueClear CommandType = "queue_clear"
	CmdStatus     CommandType = "status"

	// Daemon lifecycle
	CmdDaemonStop CommandType = "daemon_stop"
)

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response represents a server response
type Response struct {
	OK    bool             `json:"ok"`
	Data  *types.Snapshot  `json:"data,omitempty"`
	Error *types.ErrorInfo `json:"error,omitempty"`
}

// Err returns the error carried by an unsuccessful response
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return errors.New("daemon returned an error without details")
	}
	return r.Error.Err()
}

// PlayArgs is the data for a play command. An empty query restarts the
// current track.
type PlayArgs struct {
	Query string `json:"query"`
}

// PlayQueueArgs is the data for a play_queue command
type PlayQueueArgs struct {
	Queries []string `json:"queries"`
	Start   int      `json:"start"`
}

// SeekArgs is the data for a seek command
type SeekArgs struct {
	PositionMs *int64 `json:"position_ms"`
}

// VolumeArgs is the data for a set_volume command
type VolumeArgs struct {
	Level *int `json:"level"`
}

// EnqueueArgs is the data for an enqueue command
type EnqueueArgs struct {
	Query string `json:"query"`
}

// ShuffleArgs is the data for a set_shuffle command
type ShuffleArgs struct {
	Enabled *bool `json:"enabled"`
}

// RepeatArgs is the data for a set_repeat command
type RepeatArgs struct {
	Mode string `json:"mode"`
}

// NewRequest builds a request, encoding args when non-nil
func NewRequest(cmd CommandType, args interface{}) (*Request, error) {
	req := &Request{Cmd: cmd}
	if args == nil {
		return req, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s args", cmd)
	}
	req.Args = raw
	return req, nil
}

// NewSuccessResponse creates a success response carrying snap
func NewSuccessResponse(snap types.Snapshot) *Response {
	return &Response{OK: true, Data: &snap}
}

// NewErrorResponse creates an error response classified by err's kind
func NewErrorResponse(err error) *Response {
	return &Response{OK: false, Error: types.ToInfo(err)}
}

// WriteFrame writes v as a single frame
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(types.ErrBadRequest, "frame of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads a single frame into v. Oversized frames and invalid JSON
// are reported as bad requests; transport errors are returned as is.
func ReadFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return errors.Wrapf(types.ErrBadRequest, "frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid json"), types.ErrBadRequest)
	}
	return nil
}

// ParseCommand converts a request into a controller command. daemon_stop is
// not a controller command and is rejected here.
func ParseCommand(req *Request) (playback.Command, error) {
	switch req.Cmd {
	case CmdPlay:
		var args PlayArgs
		if err := decodeArgs(req, &args, false); err != nil {
			return playback.Command{}, err
		}
		return playback.Play(strings.TrimSpace(args.Query)), nil

	case CmdPlayQueue:
		var args PlayQueueArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		return playback.PlayQueue(args.Queries, args.Start), nil

	case CmdEnqueue:
		var args EnqueueArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		if strings.TrimSpace(args.Query) == "" {
			return playback.Command{}, badArgs(req, "query is required")
		}
		return playback.Enqueue(strings.TrimSpace(args.Query)), nil

	case CmdSeek:
		var args SeekArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		if args.PositionMs == nil {
			return playback.Command{}, badArgs(req, "position_ms is required")
		}
		if ms := *args.PositionMs; ms > maxPositionMs || ms < -maxPositionMs {
			return playback.Command{}, badArgs(req, "position_ms out of range")
		}
		return playback.Seek(time.Duration(*args.PositionMs) * time.Millisecond), nil

	case CmdSetVolume:
		var args VolumeArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		if args.Level == nil {
			return playback.Command{}, badArgs(req, "level is required")
		}
		return playback.SetVolume(*args.Level), nil

	case CmdSetShuffle:
		var args ShuffleArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		if args.Enabled == nil {
			return playback.Command{}, badArgs(req, "enabled is required")
		}
		return playback.SetShuffle(*args.Enabled), nil

	case CmdSetRepeat:
		var args RepeatArgs
		if err := decodeArgs(req, &args, true); err != nil {
			return playback.Command{}, err
		}
		mode, err := types.ParseRepeatMode(args.Mode)
		if err != nil {
			return playback.Command{}, errors.Mark(err, types.ErrBadRequest)
		}
		return playback.SetRepeat(mode), nil

	case CmdPause:
		return playback.Simple(playback.OpPause), nil
	case CmdResume:
		return playback.Simple(playback.OpResume), nil
	case CmdStop:
		return playback.Simple(playback.OpStop), nil
	case CmdNext:
		return playback.Simple(playback.OpNext), nil
	case CmdPrevious:
		return playback.Simple(playback.OpPrevious), nil
	case CmdQueueClear:
		return playback.Simple(playback.OpQueueClear), nil
	case CmdStatus:
		return playback.Simple(playback.OpStatus), nil
	}

	if req.Cmd == "" {
		return playback.Command{}, errors.Wrap(types.ErrBadRequest, "missing cmd")
	}
	return playback.Command{}, errors.Wrapf(types.ErrBadRequest, "unknown command %q", req.Cmd)
}

func decodeArgs(req *Request, v interface{}, required bool) error {
	if len(req.Args) == 0 || string(req.Args) == "null" {
		if required {
			return badArgs(req, "missing args")
		}
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid %s args", req.Cmd), types.ErrBadRequest)
	}
	return nil
}

func badArgs(req *Request, msg string) error {
	return errors.Wrapf(types.ErrBadRequest, "%s: %s", req.Cmd, msg)
}
