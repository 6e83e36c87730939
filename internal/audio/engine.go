// Package audio handles audio decoding and playback using FFmpeg, beep and Oto.
package audio

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// Source is a loaded audio file
type Source struct {
	ID       uint64
	Path     string
	Duration time.Duration
}

// Event reports that rendering of a source has ended. Err is nil for a
// natural end of track and wraps types.ErrPlaybackFailed otherwise.
type Event struct {
	Source  uint64
	Session uint64
	Err     error
}

// Options configures an Engine
type Options struct {
	Decoder Decoder
	// OpenDevice is called the first time a source starts rendering
	OpenDevice func() (Device, error)
	Format     Format
	// BufferSize bounds how far decoding may run ahead of the device
	BufferSize time.Duration
	Volume     int
	Logger     *zap.Logger
}

// session is one rendering pass over a source, from a start offset
type session struct {
	id     uint64
	src    Source
	buf    *pcmBuffer
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
	start  time.Duration
	paused bool
	last   time.Duration
}

// Engine decodes and renders one audio source at a time
type Engine struct {
	mu         sync.Mutex
	decoder    Decoder
	openDevice func() (Device, error)
	device     Device
	format     Format
	bufferSize int
	log        *zap.Logger

	volume atomic.Int32 // 0 - 100

	lastID      uint64
	lastSession uint64
	src         *Source
	startAt     time.Duration // offset for the next Play when no session exists
	sess        *session

	events chan Event
}

// NewEngine creates an audio engine
func NewEngine(opts Options) *Engine {
	if opts.Format.SampleRate == 0 {
		opts.Format = DefaultFormat
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpenDevice == nil {
		format := opts.Format
		opts.OpenDevice = func() (Device, error) { return NewOtoDevice(format) }
	}

	e := &Engine{
		decoder:    opts.Decoder,
		openDevice: opts.OpenDevice,
		format:     opts.Format,
		bufferSize: opts.Format.Bytes(opts.BufferSize),
		log:        opts.Logger,
		events:     make(chan Event, 8),
	}
	e.volume.Store(int32(clampVolume(opts.Volume)))
	return e
}

// Events delivers end-of-track notifications
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Current reports whether ev belongs to the session that is rendering now.
// Events from stopped, sought or replaced sessions are stale.
func (e *Engine) Current(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && e.sess.id == ev.Session
}

// Load validates path and makes it the current source, replacing and
// stopping any previous one. On failure the previous source is untouched.
func (e *Engine) Load(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, errors.Mark(errors.Wrapf(err, "cannot open %s", path), types.ErrUnreadableSource)
	}
	if info.IsDir() {
		return Source{}, errors.Wrapf(types.ErrUnreadableSource, "%s is a directory", path)
	}

	duration, err := e.decoder.Probe(path)
	if err != nil {
		return Source{}, errors.Mark(errors.Wrapf(err, "cannot decode %s", path), types.ErrUnreadableSource)
	}
	if duration <= 0 {
		return Source{}, errors.Wrapf(types.ErrUnreadableSource, "%s has no playable audio", path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopSessionLocked()
	e.lastID++
	e.src = &Source{ID: e.lastID, Path: path, Duration: duration}
	e.startAt = 0

	e.log.Debug("loaded source",
		zap.Uint64("source", e.src.ID),
		zap.String("path", path),
		zap.Duration("duration", duration))
	return *e.src, nil
}

// Play starts rendering the loaded source, or resumes it when paused
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.src == nil {
		return errors.Wrap(types.ErrInvalidTransition, "no source loaded")
	}
	if e.sess != nil {
		if e.sess.paused {
			e.sess.paused = false
			e.sess.buf.setPaused(false)
			e.sess.stream.Play()
		}
		return nil
	}
	return e.startLocked(e.startAt, false)
}

// Pause suspends rendering at the current offset
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil || e.sess.paused {
		return errors.Wrap(types.ErrInvalidTransition, "not rendering")
	}
	e.sess.paused = true
	e.sess.buf.setPaused(true)
	e.sess.stream.Pause()
	return nil
}

// Stop halts rendering and releases the output stream. The source stays
// loaded; the next Play starts from zero.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopSessionLocked()
	e.startAt = 0
	return nil
}

// Seek moves to offset, clamped to [0, duration]
func (e *Engine) Seek(offset time.Duration) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.src == nil {
		return 0, errors.Wrap(types.ErrOutOfRange, "no track loaded")
	}
	if offset < 0 {
		offset = 0
	}
	if offset > e.src.Duration {
		offset = e.src.Duration
	}

	if e.sess == nil {
		e.startAt = offset
		return offset, nil
	}

	paused := e.sess.paused
	e.stopSessionLocked()
	return offset, e.startLocked(offset, paused)
}

// SetVolume sets the volume, clamped to [0, 100], and returns the applied level
func (e *Engine) SetVolume(level int) int {
	level = clampVolume(level)
	e.volume.Store(int32(level))
	return level
}

// Volume returns the current volume level
func (e *Engine) Volume() int {
	return int(e.volume.Load())
}

// Position returns the current playback offset
func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		if e.src == nil {
			return 0
		}
		return e.startAt
	}

	s := e.sess
	played := s.buf.consumedBytes() - int64(s.stream.UnplayedBufferSize())
	if played < 0 {
		played = 0
	}
	pos := s.start + e.format.Duration(played)
	if pos > s.src.Duration {
		pos = s.src.Duration
	}
	if pos < s.last {
		pos = s.last
	}
	s.last = pos
	return pos
}

// Close stops rendering, unloads the source and releases the device
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopSessionLocked()
	e.src = nil
	e.startAt = 0

	if c, ok := e.device.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return errors.Wrap(err, "failed to release audio device")
		}
	}
	return nil
}

func (e *Engine) deviceLocked() (Device, error) {
	if e.device != nil {
		return e.device, nil
	}
	dev, err := e.openDevice()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to open audio device"), types.ErrPlaybackFailed)
	}
	e.device = dev
	return dev, nil
}

func (e *Engine) startLocked(offset time.Duration, paused bool) error {
	dev, err := e.deviceLocked()
	if err != nil {
		return err
	}

	buf := newPCMBuffer(e.format, e.bufferSize, e.volumeScale)
	buf.paused = paused
	stream := dev.NewStream(buf)

	ctx, cancel := context.WithCancel(context.Background())
	e.lastSession++
	s := &session{
		id:     e.lastSession,
		src:    *e.src,
		buf:    buf,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
		start:  offset,
		paused: paused,
		last:   offset,
	}
	e.sess = s

	go e.render(ctx, s)
	if !paused {
		stream.Play()
	}

	e.log.Debug("rendering",
		zap.Uint64("source", s.src.ID),
		zap.Duration("offset", offset),
		zap.Bool("paused", paused))
	return nil
}

// stopSessionLocked cancels the current session and waits for its render
// goroutine. The render goroutine never takes e.mu, so waiting here is safe.
func (e *Engine) stopSessionLocked() {
	s := e.sess
	if s == nil {
		return
	}
	e.sess = nil

	s.cancel()
	s.buf.close()
	if err := s.stream.Close(); err != nil {
		e.log.Warn("failed to close output stream", zap.Error(err))
	}
	<-s.done
}

func (e *Engine) render(ctx context.Context, s *session) {
	defer close(s.done)

	err := e.decoder.DecodeFrom(ctx, s.src.Path, s.buf, e.format, s.start)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.buf.close()
		e.log.Warn("decode failed", zap.Uint64("source", s.src.ID), zap.Error(err))
		e.emit(ctx, Event{
			Source:  s.src.ID,
			Session: s.id,
			Err:     errors.Mark(errors.Wrapf(err, "rendering %s", s.src.Path), types.ErrPlaybackFailed),
		})
		return
	}

	s.buf.finish()
	select {
	case <-s.buf.drained:
	case <-ctx.Done():
		return
	}

	if err := s.stream.Err(); err != nil {
		e.emit(ctx, Event{
			Source:  s.src.ID,
			Session: s.id,
			Err:     errors.Mark(errors.Wrap(err, "audio device error"), types.ErrPlaybackFailed),
		})
		return
	}

	e.log.Debug("source ended", zap.Uint64("source", s.src.ID))
	e.emit(ctx, Event{Source: s.src.ID, Session: s.id})
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) volumeScale() float64 {
	return float64(e.volume.Load()) / 100
}

func clampVolume(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
