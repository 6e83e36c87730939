package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Decoder turns an audio file into s16le PCM
type Decoder interface {
	// Probe returns the duration of the file, failing if it cannot be decoded
	Probe(path string) (time.Duration, error)
	// DecodeFrom writes PCM in format to w starting at offset. It returns nil
	// once the whole file has been written.
	DecodeFrom(ctx context.Context, path string, w io.Writer, format Format, offset time.Duration) error
}

// FileMetadata contains metadata extracted from an audio file
type FileMetadata struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
}

// NewDecoder returns the decoder selected by kind: "ffmpeg", "native" or
// "auto" (ffmpeg when it is on PATH, otherwise native).
func NewDecoder(kind string) (Decoder, error) {
	switch kind {
	case "ffmpeg":
		return NewFFmpegDecoder()
	case "native":
		return NewNativeDecoder(), nil
	case "", "auto":
		if d, err := NewFFmpegDecoder(); err == nil {
			return d, nil
		}
		return NewNativeDecoder(), nil
	}
	return nil, errors.Newf("unknown decoder %q", kind)
}

// FFmpegDecoder uses FFmpeg for audio decoding
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegDecoder creates a new FFmpeg-based decoder
func NewFFmpegDecoder() (*FFmpegDecoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg not found in PATH")
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, errors.Wrap(err, "ffprobe not found in PATH")
	}

	return &FFmpegDecoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

// DecodeFrom decodes an audio file starting from offset
func (d *FFmpegDecoder) DecodeFrom(ctx context.Context, path string, w io.Writer, format Format, offset time.Duration) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
	}

	args = append(args,
		"-i", path,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-",
	)

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to get stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start ffmpeg")
	}

	// Ensure process is killed and reaped on any early exit path
	waited := false
	defer func() {
		if !waited && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}()

	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := stdout.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "failed to write to output")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrap(readErr, "failed to read ffmpeg output")
		}
	}

	waited = true
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "ffmpeg: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Probe returns the duration of an audio file
func (d *FFmpegDecoder) Probe(path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := exec.Command(d.ffprobePath, args...).Output()
	if err != nil {
		return 0, errors.Wrap(err, "ffprobe failed")
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse duration")
	}

	return time.Duration(durationSec * float64(time.Second)), nil
}

// Metadata extracts metadata from an audio file using ffprobe
func (d *FFmpegDecoder) Metadata(path string) (*FileMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}

	output, err := exec.Command(d.ffprobePath, args...).Output()
	if err != nil {
		return nil, errors.Wrap(err, "ffprobe failed")
	}

	var probeResult struct {
		Format struct {
			Duration string            `json:"duration"`
			Tags     map[string]string `json:"tags"`
		} `json:"format"`
	}

	if err := json.Unmarshal(output, &probeResult); err != nil {
		return nil, errors.Wrap(err, "failed to parse ffprobe output")
	}

	meta := &FileMetadata{}

	// Tag keys vary in case between containers
	for key, value := range probeResult.Format.Tags {
		switch strings.ToLower(key) {
		case "title":
			meta.Title = value
		case "artist":
			meta.Artist = value
		case "album":
			meta.Album = value
		case "album_artist":
			if meta.Artist == "" {
				meta.Artist = value
			}
		}
	}

	if probeResult.Format.Duration != "" {
		if durationSec, err := strconv.ParseFloat(probeResult.Format.Duration, 64); err == nil {
			meta.Duration = time.Duration(durationSec * float64(time.Second))
		}
	}

	if meta.Title == "" {
		base := filepath.Base(path)
		meta.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return meta, nil
}
