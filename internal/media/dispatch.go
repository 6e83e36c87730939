package media

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

const (
	dispatchBacklog = 16
	dispatchTimeout = 10 * time.Second
)

// Executor runs playback commands. *playback.Controller satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd playback.Command) (types.Snapshot, error)
	Published() types.Snapshot
}

// Dispatcher turns media commands into playback commands. Commands are
// queued and executed in order on the Run goroutine so the OS side never
// waits on playback.
type Dispatcher struct {
	exec Executor
	log  *zap.Logger
	cmds chan pending
}

type pending struct {
	cmd  Command
	data interface{}
}

// NewDispatcher creates a dispatcher feeding exec
func NewDispatcher(exec Executor, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		exec: exec,
		log:  log,
		cmds: make(chan pending, dispatchBacklog),
	}
}

// OnCommand queues cmd. It never blocks; commands arriving while the
// backlog is full are dropped.
func (d *Dispatcher) OnCommand(cmd Command, data interface{}) error {
	select {
	case d.cmds <- pending{cmd: cmd, data: data}:
		return nil
	default:
		d.log.Warn("media command dropped", zap.Stringer("cmd", cmd))
		return errors.Newf("media command backlog full, dropped %s", cmd)
	}
}

// Run executes queued commands until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-d.cmds:
			d.execute(ctx, p)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, p pending) {
	cmd, err := Translate(p.cmd, p.data, d.exec.Published())
	if err != nil {
		d.log.Warn("ignoring media command", zap.Stringer("cmd", p.cmd), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if _, err := d.exec.Execute(ctx, cmd); err != nil {
		d.log.Info("media command failed", zap.Stringer("cmd", p.cmd), zap.Error(err))
		return
	}
	d.log.Debug("media command", zap.Stringer("cmd", p.cmd))
}

// Translate maps a media command to the playback command it stands for,
// given the current state
func Translate(cmd Command, data interface{}, snap types.Snapshot) (playback.Command, error) {
	switch cmd {
	case CmdPlay:
		if snap.Mode == types.ModePaused {
			return playback.Simple(playback.OpResume), nil
		}
		return playback.Play(""), nil
	case CmdPause:
		return playback.Simple(playback.OpPause), nil
	case CmdPlayPause:
		switch snap.Mode {
		case types.ModePlaying:
			return playback.Simple(playback.OpPause), nil
		case types.ModePaused:
			return playback.Simple(playback.OpResume), nil
		}
		return playback.Play(""), nil
	case CmdStop:
		return playback.Simple(playback.OpStop), nil
	case CmdNext:
		return playback.Simple(playback.OpNext), nil
	case CmdPrevious:
		return playback.Simple(playback.OpPrevious), nil
	case CmdSeek:
		pos, ok := data.(time.Duration)
		if !ok {
			return playback.Command{}, errors.Newf("seek position has type %T", data)
		}
		return playback.Seek(pos), nil
	case CmdSetShuffle:
		enabled, ok := data.(bool)
		if !ok {
			return playback.Command{}, errors.Newf("shuffle value has type %T", data)
		}
		return playback.SetShuffle(enabled), nil
	case CmdSetLoopStatus:
		status, ok := data.(LoopStatus)
		if !ok {
			return playback.Command{}, errors.Newf("loop status has type %T", data)
		}
		mode, ok := status.RepeatMode()
		if !ok {
			return playback.Command{}, errors.Newf("unknown loop status %q", status)
		}
		return playback.SetRepeat(mode), nil
	}
	return playback.Command{}, errors.Newf("unsupported media command %s", cmd)
}
