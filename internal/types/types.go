// Package types provides shared type definitions used across the playd daemon.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Mode is the playback mode of the daemon
type Mode int

const (
	ModeIdle Mode = iota
	ModePlaying
	ModePaused
	ModeStopped
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModePlaying:
		return "playing"
	case ModePaused:
		return "paused"
	case ModeStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "idle":
		*m = ModeIdle
	case "playing":
		*m = ModePlaying
	case "paused":
		*m = ModePaused
	case "stopped":
		*m = ModeStopped
	default:
		return errors.Newf("unknown mode %q", string(b))
	}
	return nil
}

// RepeatMode represents the repeat behavior
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatOne
	RepeatAll
)

// String returns the string representation of the repeat mode
func (r RepeatMode) String() string {
	switch r {
	case RepeatOne:
		return "one"
	case RepeatAll:
		return "all"
	default:
		return "off"
	}
}

// ParseRepeatMode parses a string into a RepeatMode, ignoring case
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return RepeatOff, nil
	case "one":
		return RepeatOne, nil
	case "all":
		return RepeatAll, nil
	}
	return RepeatOff, errors.Newf("invalid repeat mode %q (use off, one or all)", s)
}

// MarshalText implements encoding.TextMarshaler
func (r RepeatMode) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *RepeatMode) UnmarshalText(b []byte) error {
	mode, err := ParseRepeatMode(string(b))
	if err != nil {
		return err
	}
	*r = mode
	return nil
}

// TrackRef identifies a track in the library. Path and Duration are filled in
// once the track has been resolved to a local file.
type TrackRef struct {
	ID       string        `json:"id" yaml:"id"`
	Title    string        `json:"title" yaml:"title"`
	Alias    string        `json:"alias,omitempty" yaml:"alias,omitempty"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	Duration time.Duration `json:"-" yaml:"-"`
}

// DisplayName returns the alias when set, otherwise the title
func (t TrackRef) DisplayName() string {
	if t.Alias != "" && t.Alias != t.Title {
		return fmt.Sprintf("%s (%s)", t.Title, t.Alias)
	}
	return t.Title
}

// ErrorInfo is the wire form of an error
type ErrorInfo struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// Snapshot is a point-in-time copy of the playback state
type Snapshot struct {
	Mode       Mode       `json:"mode" yaml:"mode"`
	Track      *TrackRef  `json:"track,omitempty" yaml:"track,omitempty"`
	Queue      []TrackRef `json:"queue" yaml:"queue"`
	Requested  []string   `json:"requested" yaml:"requested"`
	Index      int        `json:"index" yaml:"index"`
	Shuffle    bool       `json:"shuffle" yaml:"shuffle"`
	Repeat     RepeatMode `json:"repeat" yaml:"repeat"`
	Volume     int        `json:"volume" yaml:"volume"`
	PositionMs int64      `json:"position_ms" yaml:"position_ms"`
	DurationMs int64      `json:"duration_ms" yaml:"duration_ms"`
	LastError  *ErrorInfo `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Position returns the snapshot position as a duration
func (s Snapshot) Position() time.Duration {
	return time.Duration(s.PositionMs) * time.Millisecond
}

// FormatDuration formats d as m:ss
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
