package audio

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

const (
	resampleQuality = 4
	nativeChunk     = 1024 // sample frames per write
)

// NativeDecoder decodes mp3, wav, flac and ogg/vorbis in-process with beep.
// It needs no external tools but supports fewer formats than ffmpeg.
type NativeDecoder struct{}

// NewNativeDecoder creates a beep-based decoder
func NewNativeDecoder() *NativeDecoder {
	return &NativeDecoder{}
}

// SupportsExt reports whether the native decoder handles the file extension
func (d *NativeDecoder) SupportsExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".mp3", ".wav", ".flac", ".ogg", ".oga":
		return true
	}
	return false
}

func (d *NativeDecoder) open(path string) (beep.StreamSeekCloser, beep.Format, error) {
	ext := filepath.Ext(path)
	if !d.SupportsExt(ext) {
		return nil, beep.Format{}, errors.Newf("unsupported format %q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(ext) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	default:
		streamer, format, err = vorbis.Decode(f)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return &fileStreamer{StreamSeekCloser: streamer, file: f}, format, nil
}

// Probe returns the duration of the file
func (d *NativeDecoder) Probe(path string) (time.Duration, error) {
	streamer, format, err := d.open(path)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}

// DecodeFrom streams PCM resampled to format starting at offset
func (d *NativeDecoder) DecodeFrom(ctx context.Context, path string, w io.Writer, format Format, offset time.Duration) error {
	streamer, srcFormat, err := d.open(path)
	if err != nil {
		return err
	}
	defer streamer.Close()

	if offset > 0 {
		pos := srcFormat.SampleRate.N(offset)
		if pos > streamer.Len() {
			pos = streamer.Len()
		}
		if err := streamer.Seek(pos); err != nil {
			return errors.Wrap(err, "seek")
		}
	}

	var source beep.Streamer = streamer
	if int(srcFormat.SampleRate) != format.SampleRate {
		source = beep.Resample(resampleQuality, srcFormat.SampleRate, beep.SampleRate(format.SampleRate), streamer)
	}

	samples := make([][2]float64, nativeChunk)
	out := make([]byte, nativeChunk*format.FrameSize())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, ok := source.Stream(samples)
		if n > 0 {
			b := encodeS16LE(out, samples[:n], format.Channels)
			if _, err := w.Write(b); err != nil {
				return errors.Wrap(err, "failed to write to output")
			}
		}
		if !ok {
			return errors.Wrap(streamer.Err(), "decode")
		}
	}
}

// encodeS16LE converts float samples to interleaved s16le in dst
func encodeS16LE(dst []byte, samples [][2]float64, channels int) []byte {
	i := 0
	for _, s := range samples {
		if channels == 1 {
			putSample(dst[i:], (s[0]+s[1])/2)
			i += 2
			continue
		}
		putSample(dst[i:], s[0])
		putSample(dst[i+2:], s[1])
		i += 4
	}
	return dst[:i]
}

func putSample(dst []byte, v float64) {
	v = math.Max(-1, math.Min(1, v))
	s := int16(v * math.MaxInt16)
	dst[0] = byte(s)
	dst[1] = byte(s >> 8)
}

// fileStreamer closes the underlying file along with the decoder
type fileStreamer struct {
	beep.StreamSeekCloser
	file *os.File
}

func (s *fileStreamer) Close() error {
	err := s.StreamSeekCloser.Close()
	s.file.Close()
	return err
}
