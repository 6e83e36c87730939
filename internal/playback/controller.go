// Package playback implements the playback state machine.
//
// A Controller owns the playback state and the audio engine. Every mutation
// is a Command handled to completion by a single goroutine (Run); engine
// end-of-track events are forwarded into the same command channel so they
// interleave with client commands in arrival order.
package playback

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/audio"
	"github.com/austinkregel/local-media/playd/internal/queue"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// ErrStopped is returned for commands submitted after the controller exited
var ErrStopped = errors.New("playback controller stopped")

const defaultStatusTimeout = 250 * time.Millisecond

// Engine is the audio output the controller drives. *audio.Engine
// satisfies it.
type Engine interface {
	Load(path string) (audio.Source, error)
	Play() error
	Pause() error
	Stop() error
	Seek(offset time.Duration) (time.Duration, error)
	SetVolume(level int) int
	Volume() int
	Position() time.Duration
	Events() <-chan audio.Event
	Current(ev audio.Event) bool
}

// Library resolves queries to tracks
type Library interface {
	// Resolve finds the single track matching query
	Resolve(ctx context.Context, query string) (types.TrackRef, error)
	// ResolvePath fills in the local path and duration of ref
	ResolvePath(ctx context.Context, ref types.TrackRef) (types.TrackRef, error)
}

// Options configures a Controller
type Options struct {
	Engine  Engine
	Library Library
	Logger  *zap.Logger
	// Volume is the initial volume, 0 - 100
	Volume int
	// StatusTimeout bounds how long Status waits on a busy controller
	// before answering from the last published snapshot
	StatusTimeout time.Duration
	// Rand drives shuffling; nil seeds from the clock
	Rand *rand.Rand
}

// Controller is the playback state machine
type Controller struct {
	engine        Engine
	library       Library
	log           *zap.Logger
	statusTimeout time.Duration

	cmds chan Command
	done chan struct{}

	published atomic.Pointer[types.Snapshot]

	observerMu sync.RWMutex
	observer   func(types.Snapshot)

	// Owned by the Run goroutine
	mode     types.Mode
	queue    *queue.Queue
	lastErr  error
	loaded   string // id of the track held by the engine, "" if none
	duration time.Duration
	// ended is the end-of-track event that arrived while paused; it is
	// applied when playback resumes
	ended *audio.Event
}

// New creates a controller in the Idle state
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = defaultStatusTimeout
	}

	q := queue.New()
	if opts.Rand != nil {
		q = queue.NewWithRand(opts.Rand)
	}

	c := &Controller{
		engine:        opts.Engine,
		library:       opts.Library,
		log:           opts.Logger,
		statusTimeout: opts.StatusTimeout,
		cmds:          make(chan Command),
		done:          make(chan struct{}),
		mode:          types.ModeIdle,
		queue:         q,
	}
	c.engine.SetVolume(opts.Volume)

	snap := c.snapshot()
	c.published.Store(&snap)
	return c
}

// SetObserver registers fn to receive a snapshot after every state-changing
// command. fn runs on the controller goroutine and must not call Execute.
func (c *Controller) SetObserver(fn func(types.Snapshot)) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observer = fn
}

// Run handles commands until ctx is cancelled. Playback is stopped on exit.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	fwdCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.forwardEvents(fwdCtx)
	}()
	defer wg.Wait()
	defer cancel()

	c.log.Info("playback controller started")
	for {
		select {
		case <-ctx.Done():
			if err := c.engine.Stop(); err != nil {
				c.log.Warn("failed to stop engine", zap.Error(err))
			}
			c.log.Info("playback controller stopped")
			return nil
		case cmd := <-c.cmds:
			snap, err := c.handle(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- result{snap: snap, err: err}
			}
		}
	}
}

// Execute submits cmd and waits for it to be applied. The returned snapshot
// reflects the state right after cmd.
func (c *Controller) Execute(ctx context.Context, cmd Command) (types.Snapshot, error) {
	if cmd.Op == opTrackEnd {
		return types.Snapshot{}, errors.Wrapf(types.ErrBadRequest, "unknown command %q", cmd.Op)
	}
	cmd.reply = make(chan result, 1)

	select {
	case c.cmds <- cmd:
	case <-c.done:
		return types.Snapshot{}, ErrStopped
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
}

// Status returns a fresh snapshot through the command path. If the
// controller stays busy for longer than the status timeout the last
// published snapshot is returned instead.
func (c *Controller) Status(ctx context.Context) (types.Snapshot, error) {
	statusCtx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	snap, err := c.Execute(statusCtx, Simple(OpStatus))
	if err == nil {
		return snap, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		c.log.Debug("controller busy, serving published snapshot")
		return c.Published(), nil
	}
	if errors.Is(err, ErrStopped) {
		return c.Published(), nil
	}
	return types.Snapshot{}, err
}

// Published returns the snapshot published after the last command
func (c *Controller) Published() types.Snapshot {
	return *c.published.Load()
}

func (c *Controller) forwardEvents(ctx context.Context) {
	events := c.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			select {
			case c.cmds <- Command{Op: opTrackEnd, event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd Command) (types.Snapshot, error) {
	start := time.Now()
	err := c.apply(ctx, cmd)

	snap := c.snapshot()
	c.published.Store(&snap)

	if cmd.Op == OpStatus {
		return snap, err
	}

	fields := []zap.Field{
		zap.String("cmd", string(cmd.Op)),
		zap.Stringer("mode", snap.Mode),
		zap.Int("index", snap.Index),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		c.log.Info("command failed", append(fields, zap.Error(err))...)
	} else {
		c.log.Debug("command applied", fields...)
	}

	c.observerMu.RLock()
	observer := c.observer
	c.observerMu.RUnlock()
	if observer != nil {
		observer(snap)
	}
	return snap, err
}

func (c *Controller) apply(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpPlay:
		return c.play(ctx, cmd.Query)
	case OpPlayQueue:
		return c.playQueue(ctx, cmd.Queries, cmd.Start)
	case OpPause:
		return c.pause()
	case OpResume:
		return c.resume(ctx)
	case OpStop:
		return c.stop()
	case OpNext:
		return c.next(ctx)
	case OpPrevious:
		return c.previous(ctx)
	case OpSeek:
		return c.seek(cmd.Position)
	case OpSetVolume:
		return c.setVolume(cmd.Level)
	case OpEnqueue:
		return c.enqueue(ctx, cmd.Query)
	case OpSetShuffle:
		c.queue.SetShuffle(cmd.Enabled)
		return nil
	case OpSetRepeat:
		c.queue.SetRepeat(cmd.Repeat)
		return nil
	case OpQueueClear:
		return c.clear()
	case OpStatus:
		return nil
	case opTrackEnd:
		c.trackEnded(ctx, cmd.event)
		return nil
	}
	return errors.Wrapf(types.ErrBadRequest, "unknown command %q", cmd.Op)
}

func (c *Controller) play(ctx context.Context, query string) error {
	if query == "" {
		return c.playCurrent(ctx)
	}

	ref, err := c.library.Resolve(ctx, query)
	if err != nil {
		return err
	}

	next := c.queue.Clone()
	if pos := next.Find(ref.ID); pos >= 0 {
		next.Jump(pos)
	} else {
		next.Set([]types.TrackRef{ref}, 0)
	}
	return c.startClient(ctx, next)
}

// playCurrent handles play without a query
func (c *Controller) playCurrent(ctx context.Context) error {
	switch c.mode {
	case types.ModeIdle:
		return errors.Wrap(types.ErrInvalidTransition, "nothing to play: queue is empty")
	case types.ModePaused:
		return c.resume(ctx)
	case types.ModeStopped:
		cur, _ := c.queue.Current()
		if c.loaded == cur.ID {
			if err := c.engine.Play(); err != nil {
				return errors.Mark(err, types.ErrPlaybackFailed)
			}
			c.mode = types.ModePlaying
			c.lastErr = nil
			return nil
		}
	}
	return c.startClient(ctx, c.queue.Clone())
}

func (c *Controller) playQueue(ctx context.Context, queries []string, start int) error {
	if len(queries) == 0 {
		return errors.Wrap(types.ErrBadRequest, "play_queue needs at least one query")
	}
	if start < 0 || start >= len(queries) {
		return errors.Wrapf(types.ErrOutOfRange, "start index %d outside queue of %d", start, len(queries))
	}

	refs := make([]types.TrackRef, 0, len(queries))
	for _, query := range queries {
		ref, err := c.library.Resolve(ctx, query)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	next := c.queue.Clone()
	next.Set(refs, start)
	return c.startClient(ctx, next)
}

func (c *Controller) pause() error {
	if c.mode != types.ModePlaying {
		return errors.Wrapf(types.ErrInvalidTransition, "cannot pause while %s", c.mode)
	}
	if err := c.engine.Pause(); err != nil {
		return err
	}
	c.mode = types.ModePaused
	return nil
}

func (c *Controller) resume(ctx context.Context) error {
	if c.mode != types.ModePaused {
		return errors.Wrapf(types.ErrInvalidTransition, "cannot resume while %s", c.mode)
	}
	if ev := c.ended; ev != nil {
		// The track ran out before the pause took effect
		c.ended = nil
		c.mode = types.ModePlaying
		c.finishTrack(ctx, ev.Err)
		return nil
	}
	if err := c.engine.Play(); err != nil {
		return errors.Mark(err, types.ErrPlaybackFailed)
	}
	c.mode = types.ModePlaying
	return nil
}

func (c *Controller) stop() error {
	switch c.mode {
	case types.ModeIdle:
		return errors.Wrap(types.ErrInvalidTransition, "nothing to stop")
	case types.ModeStopped:
		return nil
	}
	c.halt()
	return nil
}

func (c *Controller) next(ctx context.Context) error {
	if c.queue.Len() == 0 {
		return errors.Wrap(types.ErrInvalidTransition, "queue is empty")
	}

	next := c.queue.Clone()
	if _, ok := next.Next(); !ok {
		// Queue exhausted
		if c.mode != types.ModeStopped {
			c.halt()
		}
		return nil
	}
	return c.startClient(ctx, next)
}

func (c *Controller) previous(ctx context.Context) error {
	if c.queue.Len() == 0 {
		return errors.Wrap(types.ErrInvalidTransition, "queue is empty")
	}

	prev := c.queue.Clone()
	if _, ok := prev.Prev(); !ok {
		return nil
	}
	return c.startClient(ctx, prev)
}

func (c *Controller) seek(position time.Duration) error {
	if c.mode == types.ModeIdle {
		return errors.Wrap(types.ErrInvalidTransition, "nothing to seek")
	}
	if cur, _ := c.queue.Current(); c.loaded != cur.ID {
		return errors.Wrap(types.ErrOutOfRange, "current track is not loaded")
	}
	if _, err := c.engine.Seek(position); err != nil {
		return err
	}
	c.ended = nil
	return nil
}

func (c *Controller) setVolume(level int) error {
	if c.mode == types.ModeIdle {
		return errors.Wrap(types.ErrInvalidTransition, "no track selected")
	}
	c.engine.SetVolume(level)
	return nil
}

func (c *Controller) enqueue(ctx context.Context, query string) error {
	ref, err := c.library.Resolve(ctx, query)
	if err != nil {
		return err
	}
	c.queue.Append(ref)
	if c.mode == types.ModeIdle {
		c.mode = types.ModeStopped
	}
	return nil
}

func (c *Controller) clear() error {
	if c.mode != types.ModeIdle {
		if err := c.engine.Stop(); err != nil {
			c.log.Warn("failed to stop engine", zap.Error(err))
		}
	}
	c.queue.Clear()
	c.mode = types.ModeIdle
	c.ended = nil
	c.loaded = ""
	c.duration = 0
	return nil
}

// trackEnded handles an engine end-of-track event
func (c *Controller) trackEnded(ctx context.Context, ev audio.Event) {
	if !c.engine.Current(ev) {
		c.log.Debug("ignoring stale track end", zap.Uint64("source", ev.Source))
		return
	}
	switch c.mode {
	case types.ModePlaying:
		c.finishTrack(ctx, ev.Err)
	case types.ModePaused:
		c.log.Debug("track ended while paused", zap.Uint64("source", ev.Source))
		c.ended = &ev
	}
}

// finishTrack applies the end of the current track: repeat, advance or stop
func (c *Controller) finishTrack(ctx context.Context, cause error) {
	if cause != nil {
		c.log.Warn("playback failed", zap.Error(cause))
		c.lastErr = cause
		c.halt()
		return
	}

	next := c.queue.Clone()
	if c.queue.Repeat() != types.RepeatOne {
		if _, ok := next.Next(); !ok {
			c.log.Debug("queue finished")
			c.halt()
			return
		}
	}

	if err := c.start(ctx, next); err != nil {
		c.log.Warn("auto-advance failed", zap.Error(err))
		c.lastErr = err
		c.halt()
	}
}

// startClient starts the current track of next on behalf of a client.
// Success clears any error left by auto-advance.
func (c *Controller) startClient(ctx context.Context, next *queue.Queue) error {
	if err := c.start(ctx, next); err != nil {
		return err
	}
	c.lastErr = nil
	return nil
}

// start loads and plays the current track of next, committing next as the
// queue once the engine has accepted the track. A failed resolve or load
// leaves all state untouched.
func (c *Controller) start(ctx context.Context, next *queue.Queue) error {
	ref, ok := next.Current()
	if !ok {
		return errors.Wrap(types.ErrInvalidTransition, "queue is empty")
	}

	resolved, err := c.library.ResolvePath(ctx, ref)
	if err != nil {
		return err
	}
	src, err := c.engine.Load(resolved.Path)
	if err != nil {
		return err
	}

	// The previous source is gone from here on
	c.ended = nil
	c.queue = next
	c.loaded = ref.ID
	c.duration = src.Duration

	if err := c.engine.Play(); err != nil {
		c.mode = types.ModeStopped
		return errors.Mark(err, types.ErrPlaybackFailed)
	}
	c.mode = types.ModePlaying

	c.log.Info("playing",
		zap.String("track", ref.ID),
		zap.String("title", ref.Title),
		zap.Int("index", next.Index()),
		zap.Duration("duration", src.Duration))
	return nil
}

// halt stops the engine and moves to Stopped, keeping the queue
func (c *Controller) halt() {
	c.ended = nil
	if err := c.engine.Stop(); err != nil {
		c.log.Warn("failed to stop engine", zap.Error(err))
	}
	c.mode = types.ModeStopped
}

func (c *Controller) snapshot() types.Snapshot {
	snap := types.Snapshot{
		Mode:      c.mode,
		Queue:     c.queue.Active(),
		Index:     c.queue.Index(),
		Shuffle:   c.queue.Shuffle(),
		Repeat:    c.queue.Repeat(),
		Volume:    c.engine.Volume(),
		LastError: types.ToInfo(c.lastErr),
	}

	requested := c.queue.Requested()
	snap.Requested = make([]string, len(requested))
	for i, ref := range requested {
		snap.Requested[i] = ref.ID
	}

	if cur, ok := c.queue.Current(); ok {
		snap.Track = &cur
		snap.DurationMs = cur.Duration.Milliseconds()
		if c.loaded == cur.ID {
			snap.DurationMs = c.duration.Milliseconds()
			snap.PositionMs = c.engine.Position().Milliseconds()
		}
	}
	return snap
}
