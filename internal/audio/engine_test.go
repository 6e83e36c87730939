package audio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// fakeStream pulls from the reader like a device would, without real timing
type fakeStream struct {
	r       io.Reader
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	started bool
	closed  bool
	done    chan struct{}
}

func newFakeStream(r io.Reader) *fakeStream {
	s := &fakeStream{r: r, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeStream) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	if !s.started {
		s.started = true
		go s.loop()
	}
	s.cond.Broadcast()
}

func (s *fakeStream) loop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		s.mu.Lock()
		for !s.playing && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if _, err := s.r.Read(buf); err != nil {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *fakeStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

func (s *fakeStream) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *fakeStream) UnplayedBufferSize() int { return 0 }
func (s *fakeStream) Err() error              { return nil }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	started := s.started
	s.cond.Broadcast()
	s.mu.Unlock()
	if started {
		<-s.done
	}
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevice struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDevice) NewStream(r io.Reader) Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeStream(r)
	d.streams = append(d.streams, s)
	return s
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

// fakeDecoder produces silence-free PCM for the configured duration.
// With hold set it writes one chunk and then blocks until cancelled.
type fakeDecoder struct {
	duration time.Duration
	probeErr error
	failErr  error
	hold     bool

	mu      sync.Mutex
	offsets []time.Duration
}

func (d *fakeDecoder) Probe(string) (time.Duration, error) {
	return d.duration, d.probeErr
}

func (d *fakeDecoder) DecodeFrom(ctx context.Context, _ string, w io.Writer, format Format, offset time.Duration) error {
	d.mu.Lock()
	d.offsets = append(d.offsets, offset)
	d.mu.Unlock()

	if d.failErr != nil {
		return d.failErr
	}

	remaining := format.Bytes(d.duration - offset)
	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 1
	}
	for remaining > 0 {
		n := len(chunk)
		if n > remaining {
			n = remaining
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return err
		}
		remaining -= n
		if d.hold {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	return nil
}

func tempTrack(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0600))
	return path
}

func newTestEngine(dec *fakeDecoder) (*Engine, *fakeDevice) {
	dev := &fakeDevice{}
	e := NewEngine(Options{
		Decoder:    dec,
		OpenDevice: func() (Device, error) { return dev, nil },
		Volume:     80,
	})
	return e, dev
}

func waitEvent(t *testing.T, e *Engine) Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine event")
		return Event{}
	}
}

func TestLoadMissingFile(t *testing.T) {
	e, _ := newTestEngine(&fakeDecoder{duration: time.Second})
	defer e.Close()

	_, err := e.Load("/definitely/not/here.mp3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnreadableSource))
}

func TestLoadUndecodableKeepsPreviousSource(t *testing.T) {
	dec := &fakeDecoder{duration: 10 * time.Second}
	e, _ := newTestEngine(dec)
	defer e.Close()

	src, err := e.Load(tempTrack(t))
	require.NoError(t, err)

	dec.probeErr = errors.New("invalid data found when processing input")
	_, err = e.Load(tempTrack(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnreadableSource))

	// Previous source still seekable
	pos, err := e.Seek(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, pos)
	assert.Equal(t, uint64(1), src.ID)
}

func TestSeekClamps(t *testing.T) {
	e, _ := newTestEngine(&fakeDecoder{duration: 120 * time.Second})
	defer e.Close()

	_, err := e.Seek(time.Second)
	assert.True(t, errors.Is(err, types.ErrOutOfRange), "seek without a source")

	_, err = e.Load(tempTrack(t))
	require.NoError(t, err)

	pos, err := e.Seek(-5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pos)

	pos, err = e.Seek(500 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, pos)
	assert.Equal(t, 120*time.Second, e.Position())
}

func TestNaturalEndRaisesEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _ := newTestEngine(&fakeDecoder{duration: 50 * time.Millisecond})
	src, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())

	ev := waitEvent(t, e)
	assert.NoError(t, ev.Err)
	assert.Equal(t, src.ID, ev.Source)
	assert.True(t, e.Current(ev))
	assert.Equal(t, 50*time.Millisecond, e.Position())

	require.NoError(t, e.Close())
}

func TestDecodeFailureRaisesPlaybackFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _ := newTestEngine(&fakeDecoder{duration: time.Second, failErr: errors.New("device unplugged")})
	_, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())

	ev := waitEvent(t, e)
	require.Error(t, ev.Err)
	assert.True(t, errors.Is(ev.Err, types.ErrPlaybackFailed))

	require.NoError(t, e.Close())
}

func TestStopReleasesStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, dev := newTestEngine(&fakeDecoder{duration: time.Minute, hold: true})
	_, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())

	stream := dev.last()
	require.NoError(t, e.Stop())
	assert.True(t, stream.isClosed())
	assert.Equal(t, time.Duration(0), e.Position())

	// Play after stop starts from zero on a fresh stream
	require.NoError(t, e.Play())
	assert.NotSame(t, stream, dev.last())

	require.NoError(t, e.Close())
}

func TestPauseResumeNoRegression(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _ := newTestEngine(&fakeDecoder{duration: time.Minute, hold: true})
	_, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())

	require.Eventually(t, func() bool { return e.Position() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Pause())
	paused := e.Position()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, e.Position(), "position frozen while paused")

	assert.Error(t, e.Pause(), "double pause")

	require.NoError(t, e.Play())
	assert.GreaterOrEqual(t, e.Position(), paused)

	require.NoError(t, e.Close())
}

func TestSeekWhilePausedStaysPaused(t *testing.T) {
	defer goleak.VerifyNone(t)

	dec := &fakeDecoder{duration: time.Minute, hold: true}
	e, dev := newTestEngine(dec)
	_, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())
	require.NoError(t, e.Pause())

	pos, err := e.Seek(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, pos)
	assert.False(t, dev.last().IsPlaying())
	assert.Equal(t, 30*time.Second, e.Position())

	require.NoError(t, e.Close())
}

func TestStaleEventAfterSeek(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _ := newTestEngine(&fakeDecoder{duration: 20 * time.Millisecond})
	_, err := e.Load(tempTrack(t))
	require.NoError(t, err)
	require.NoError(t, e.Play())

	ev := waitEvent(t, e)
	_, err = e.Seek(0)
	require.NoError(t, err)
	assert.False(t, e.Current(ev), "event from the replaced session is stale")

	require.NoError(t, e.Close())
}

func TestSetVolumeClamps(t *testing.T) {
	e, _ := newTestEngine(&fakeDecoder{})
	defer e.Close()

	assert.Equal(t, 100, e.SetVolume(150))
	assert.Equal(t, 0, e.SetVolume(-3))
	assert.Equal(t, 55, e.SetVolume(55))
	assert.Equal(t, 55, e.Volume())
	assert.InDelta(t, 0.55, e.volumeScale(), 1e-9)
}
