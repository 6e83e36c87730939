package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/playd/internal/ipc"
	"github.com/austinkregel/local-media/playd/internal/library"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// send runs cmd against the daemon and prints a one-line summary
func send(c *cobra.Command, cmd ipc.CommandType, args interface{}) error {
	app := fromContext(c)
	snap, err := app.call(c.Context(), cmd, args)
	if err != nil {
		return err
	}
	return printSummary(c.OutOrStdout(), snap)
}

func simpleCommand(use, short string, cmd ipc.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(c *cobra.Command, args []string) error {
			return send(c, cmd, nil)
		},
	}
}

func playCommand() *cobra.Command {
	var (
		asQueue bool
		start   int
	)

	cmd := &cobra.Command{
		Use:   "play [query...]",
		Short: "Play a track by id, name or path; without a query, play the current track",
		RunE: func(c *cobra.Command, args []string) error {
			if !asQueue {
				return send(c, ipc.CmdPlay, ipc.PlayArgs{Query: trackQuery(strings.Join(args, " "))})
			}
			if len(args) == 0 {
				return usageError(errors.New("--queue needs at least one query"))
			}
			if start < 0 || start >= len(args) {
				return usageError(errors.Newf("--start must be between 0 and %d", len(args)-1))
			}
			queries := make([]string, len(args))
			for i, arg := range args {
				queries[i] = trackQuery(arg)
			}
			return send(c, ipc.CmdPlayQueue, ipc.PlayQueueArgs{Queries: queries, Start: start})
		},
	}
	cmd.Flags().BoolVarP(&asQueue, "queue", "q", false, "replace the queue with one track per argument")
	cmd.Flags().IntVar(&start, "start", 0, "queue position to start from with --queue")

	return cmd
}

func pauseCommand() *cobra.Command {
	return simpleCommand("pause", "Pause playback", ipc.CmdPause)
}

func resumeCommand() *cobra.Command {
	return simpleCommand("resume", "Resume paused playback", ipc.CmdResume)
}

func haltCommand() *cobra.Command {
	return simpleCommand("halt", "Stop playback, keeping the queue", ipc.CmdStop)
}

func nextCommand() *cobra.Command {
	return simpleCommand("next", "Skip to the next track", ipc.CmdNext)
}

func prevCommand() *cobra.Command {
	return simpleCommand("prev", "Go back to the previous track", ipc.CmdPrevious)
}

func clearCommand() *cobra.Command {
	return simpleCommand("clear", "Clear the queue and stop playback", ipc.CmdQueueClear)
}

func seekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seek <seconds|m:ss>",
		Short: "Seek within the current track",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(c *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return usageError(err)
			}
			ms := pos.Milliseconds()
			return send(c, ipc.CmdSeek, ipc.SeekArgs{PositionMs: &ms})
		},
	}
}

func volumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "volume <0-100>",
		Short: "Set the volume",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(c *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[0])
			if err != nil || level < 0 || level > 100 {
				return usageError(errors.Newf("volume must be between 0 and 100, got %q", args[0]))
			}
			return send(c, ipc.CmdSetVolume, ipc.VolumeArgs{Level: &level})
		},
	}
}

func enqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <query...>",
		Short: "Add a track to the end of the queue",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(c *cobra.Command, args []string) error {
			return send(c, ipc.CmdEnqueue, ipc.EnqueueArgs{Query: trackQuery(strings.Join(args, " "))})
		},
	}
}

func shuffleCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "shuffle on|off",
		Short:     "Turn shuffle on or off",
		Args:      usageArgs(cobra.ExactArgs(1)),
		ValidArgs: []string{"on", "off"},
		RunE: func(c *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return usageError(err)
			}
			return send(c, ipc.CmdSetShuffle, ipc.ShuffleArgs{Enabled: &enabled})
		},
	}
}

func repeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "repeat off|one|all",
		Short:     "Set the repeat mode",
		Args:      usageArgs(cobra.ExactArgs(1)),
		ValidArgs: []string{"off", "one", "all"},
		RunE: func(c *cobra.Command, args []string) error {
			mode, err := types.ParseRepeatMode(args[0])
			if err != nil {
				return usageError(err)
			}
			return send(c, ipc.CmdSetRepeat, ipc.RepeatArgs{Mode: mode.String()})
		},
	}
}

// trackQuery makes a query naming an audio file absolute, since the daemon
// resolves paths from its own working directory
func trackQuery(query string) string {
	if query == "" || filepath.IsAbs(query) || !library.Extensions[strings.ToLower(filepath.Ext(query))] {
		return query
	}
	info, err := os.Stat(query)
	if err != nil || info.IsDir() {
		return query
	}
	if abs, err := filepath.Abs(query); err == nil {
		return abs
	}
	return query
}

// parsePosition accepts seconds ("90", "12.5") or minutes and seconds ("1:30")
func parsePosition(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if min, sec, ok := strings.Cut(s, ":"); ok {
		m, err := strconv.Atoi(min)
		if err != nil || m < 0 {
			return 0, errors.Newf("invalid position %q", s)
		}
		secs, err := strconv.ParseFloat(sec, 64)
		if err != nil || secs < 0 || secs >= 60 {
			return 0, errors.Newf("invalid position %q", s)
		}
		return time.Duration(m)*time.Minute + time.Duration(secs*float64(time.Second)), nil
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Newf("invalid position %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, errors.Newf("expected on or off, got %q", s)
}
