package playback

import (
	"time"

	"github.com/austinkregel/local-media/playd/internal/audio"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// Op names a controller command
type Op string

const (
	OpPlay       Op = "play"
	OpPlayQueue  Op = "play_queue"
	OpPause      Op = "pause"
	OpResume     Op = "resume"
	OpStop       Op = "stop"
	OpNext       Op = "next"
	OpPrevious   Op = "previous"
	OpSeek       Op = "seek"
	OpSetVolume  Op = "set_volume"
	OpEnqueue    Op = "enqueue"
	OpSetShuffle Op = "set_shuffle"
	OpSetRepeat  Op = "set_repeat"
	OpQueueClear Op = "queue_clear"
	OpStatus     Op = "status"

	// opTrackEnd is raised by the engine, never by clients
	opTrackEnd Op = "track_end"
)

// Command is a request for the controller loop. Only the fields relevant to
// Op are read.
type Command struct {
	Op       Op
	Query    string           // play, enqueue
	Queries  []string         // play_queue
	Start    int              // play_queue
	Position time.Duration    // seek
	Level    int              // set_volume
	Enabled  bool             // set_shuffle
	Repeat   types.RepeatMode // set_repeat

	event audio.Event
	reply chan result
}

type result struct {
	snap types.Snapshot
	err  error
}

// Play returns a play command for query
func Play(query string) Command { return Command{Op: OpPlay, Query: query} }

// PlayQueue returns a command replacing the queue with queries, starting at start
func PlayQueue(queries []string, start int) Command {
	return Command{Op: OpPlayQueue, Queries: queries, Start: start}
}

// Enqueue returns an enqueue command for query
func Enqueue(query string) Command { return Command{Op: OpEnqueue, Query: query} }

// Seek returns a seek command
func Seek(position time.Duration) Command { return Command{Op: OpSeek, Position: position} }

// SetVolume returns a volume command
func SetVolume(level int) Command { return Command{Op: OpSetVolume, Level: level} }

// SetShuffle returns a shuffle command
func SetShuffle(enabled bool) Command { return Command{Op: OpSetShuffle, Enabled: enabled} }

// SetRepeat returns a repeat command
func SetRepeat(mode types.RepeatMode) Command { return Command{Op: OpSetRepeat, Repeat: mode} }

// Simple returns a command that takes no arguments
func Simple(op Op) Command { return Command{Op: op} }
