package audio

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hajimehoshi/oto/v2"
)

const (
	defaultSampleRate = 44100
	defaultChannels   = 2
	bitDepthInBytes   = 2 // s16le
)

var errBufferClosed = errors.New("pcm buffer closed")

// Format describes the s16le PCM layout delivered to the device
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 44.1kHz stereo
var DefaultFormat = Format{SampleRate: defaultSampleRate, Channels: defaultChannels}

// FrameSize is the number of bytes per sample frame
func (f Format) FrameSize() int {
	return f.Channels * bitDepthInBytes
}

// BytesPerSecond is the PCM byte rate
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration converts a PCM byte count to playback time
func (f Format) Duration(n int64) time.Duration {
	bps := int64(f.BytesPerSecond())
	if bps == 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / bps)
}

// Bytes converts playback time to a frame-aligned PCM byte count
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%f.FrameSize()
}

// Stream is a device output stream reading PCM from an io.Reader.
// oto.Player satisfies it.
type Stream interface {
	Play()
	Pause()
	IsPlaying() bool
	UnplayedBufferSize() int
	Err() error
	Close() error
}

// Device opens output streams
type Device interface {
	NewStream(r io.Reader) Stream
}

// otoDevice is the Oto-backed output device. Oto allows one context per
// process, so it is opened once and streams are created per source.
type otoDevice struct {
	context *oto.Context
}

// NewOtoDevice opens the system audio device
func NewOtoDevice(format Format) (Device, error) {
	ctx, ready, err := oto.NewContext(format.SampleRate, format.Channels, bitDepthInBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create oto context")
	}

	// Wait for context to be ready
	<-ready

	return &otoDevice{context: ctx}, nil
}

func (d *otoDevice) NewStream(r io.Reader) Stream {
	return d.context.NewPlayer(r)
}

// Close suspends the device so it stops holding the audio hardware
func (d *otoDevice) Close() error {
	return d.context.Suspend()
}

// pcmBuffer sits between a decoder (writer) and a device stream (reader).
// One buffer serves exactly one rendering session.
type pcmBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond // signals pause/resume, space and data
	buffer   bytes.Buffer
	max      int
	frame    int
	volume   func() float64
	paused   bool // reads block while set
	closed   bool // unblocks everyone, reads return EOF
	finished bool // writer is done; reads return EOF once drained
	consumed int64

	drained   chan struct{}
	drainOnce sync.Once
}

func newPCMBuffer(format Format, max int, volume func() float64) *pcmBuffer {
	if max < format.FrameSize() {
		max = format.FrameSize()
	}
	b := &pcmBuffer{
		max:     max,
		frame:   format.FrameSize(),
		volume:  volume,
		drained: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Read implements io.Reader for the device stream
func (b *pcmBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Block while paused and not closed, waiting for resume or close
	for b.paused && !b.closed {
		b.cond.Wait()
	}

	if b.closed {
		return 0, io.EOF
	}

	avail := b.buffer.Len() - b.buffer.Len()%b.frame
	want := len(p) - len(p)%b.frame
	if avail == 0 || want == 0 {
		if b.finished {
			b.drainOnce.Do(func() { close(b.drained) })
			return 0, io.EOF
		}
		// Underrun: return silence to keep the stream alive
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	if want > avail {
		want = avail
	}
	n, _ := b.buffer.Read(p[:want])
	b.consumed += int64(n)
	b.cond.Broadcast()

	if vol := b.volume(); vol < 1.0 {
		applyVolume(p[:n], vol)
	}
	return n, nil
}

// Write appends decoded PCM, blocking while the buffer is full so decoding
// is throttled to playback speed.
func (b *pcmBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buffer.Len() >= b.max && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, errBufferClosed
	}

	n, err := b.buffer.Write(data)
	b.cond.Broadcast()
	return n, err
}

func (b *pcmBuffer) setPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = paused
	b.cond.Broadcast()
}

// finish marks the end of decoded data
func (b *pcmBuffer) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	b.cond.Broadcast()
}

func (b *pcmBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

func (b *pcmBuffer) consumedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// applyVolume scales 16-bit little-endian PCM samples by vol (0.0 - 1.0)
func applyVolume(data []byte, vol float64) {
	if vol >= 1.0 {
		return
	}
	if vol < 0 {
		vol = 0
	}

	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		scaled := int16(float64(sample) * vol)
		data[i] = byte(scaled)
		data[i+1] = byte(scaled >> 8)
	}
}

var _ io.ReadWriter = (*pcmBuffer)(nil)
