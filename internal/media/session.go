// Package media provides OS-level media session integration.
package media

import (
	"time"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// PlaybackState represents the playback state for media sessions
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

// StateOf maps a daemon mode to the media session state
func StateOf(mode types.Mode) PlaybackState {
	switch mode {
	case types.ModePlaying:
		return StatePlaying
	case types.ModePaused:
		return StatePaused
	default:
		return StateStopped
	}
}

// Metadata contains track metadata for media session display
type Metadata struct {
	TrackID  string
	Title    string
	Path     string
	Duration time.Duration
}

// MetadataOf extracts the current track metadata from snap
func MetadataOf(snap types.Snapshot) Metadata {
	if snap.Track == nil {
		return Metadata{}
	}
	return Metadata{
		TrackID:  snap.Track.ID,
		Title:    snap.Track.Title,
		Path:     snap.Track.Path,
		Duration: time.Duration(snap.DurationMs) * time.Millisecond,
	}
}

// LoopStatus represents the loop/repeat mode for MPRIS
type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

// LoopStatusOf maps a repeat mode to its loop status
func LoopStatusOf(mode types.RepeatMode) LoopStatus {
	switch mode {
	case types.RepeatOne:
		return LoopTrack
	case types.RepeatAll:
		return LoopPlaylist
	default:
		return LoopNone
	}
}

// RepeatMode maps a loop status back to a repeat mode
func (l LoopStatus) RepeatMode() (types.RepeatMode, bool) {
	switch l {
	case LoopNone:
		return types.RepeatOff, true
	case LoopTrack:
		return types.RepeatOne, true
	case LoopPlaylist:
		return types.RepeatAll, true
	}
	return types.RepeatOff, false
}

// Session is the interface for OS media session integration
type Session interface {
	// Update publishes the playback state to the OS
	Update(snap types.Snapshot) error

	// SetCommandHandler sets the handler for media commands (play, pause, etc.)
	SetCommandHandler(handler CommandHandler)

	// Close releases resources
	Close() error
}

// Command represents a media command from the OS
type Command int

const (
	CmdPlay Command = iota
	CmdPause
	CmdPlayPause
	CmdStop
	CmdNext
	CmdPrevious
	CmdSeek
	CmdSetShuffle
	CmdSetLoopStatus
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPlay:
		return "Play"
	case CmdPause:
		return "Pause"
	case CmdPlayPause:
		return "PlayPause"
	case CmdStop:
		return "Stop"
	case CmdNext:
		return "Next"
	case CmdPrevious:
		return "Previous"
	case CmdSeek:
		return "Seek"
	case CmdSetShuffle:
		return "SetShuffle"
	case CmdSetLoopStatus:
		return "SetLoopStatus"
	default:
		return "Unknown"
	}
}

// CommandHandler handles media commands from the OS
type CommandHandler interface {
	OnCommand(cmd Command, data interface{}) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc func(cmd Command, data interface{}) error

func (f CommandHandlerFunc) OnCommand(cmd Command, data interface{}) error {
	return f(cmd, data)
}

// NoOpSession is a session that does nothing
// Used when media session integration is not available
type NoOpSession struct{}

// NewNoOpSession creates a new no-op session
func NewNoOpSession() *NoOpSession {
	return &NoOpSession{}
}

func (s *NoOpSession) Update(snap types.Snapshot) error {
	return nil
}

func (s *NoOpSession) SetCommandHandler(handler CommandHandler) {
}

func (s *NoOpSession) Close() error {
	return nil
}
