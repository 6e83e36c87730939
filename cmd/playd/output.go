package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// Output formats for status
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case FormatText, FormatJSON, FormatYAML:
		return nil
	}
	return usageError(errors.Newf("unknown output format %q (use text, json or yaml)", format))
}

func printSnapshot(w io.Writer, snap types.Snapshot, format string) error {
	switch format {
	case FormatText:
		return printStatus(w, snap)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}
	return checkFormat(format)
}

// printSummary prints the one line shown after a playback command
func printSummary(w io.Writer, snap types.Snapshot) error {
	_, err := fmt.Fprintln(w, summaryLine(snap))
	return err
}

func summaryLine(snap types.Snapshot) string {
	if snap.Track == nil {
		return snap.Mode.String()
	}
	return fmt.Sprintf("%s: %s %s", snap.Mode, snap.Track.DisplayName(), progress(snap))
}

func progress(snap types.Snapshot) string {
	dur := time.Duration(snap.DurationMs) * time.Millisecond
	if dur <= 0 {
		return "[" + types.FormatDuration(snap.Position()) + "]"
	}
	return "[" + types.FormatDuration(snap.Position()) + "/" + types.FormatDuration(dur) + "]"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printStatus(w io.Writer, snap types.Snapshot) error {
	var b strings.Builder

	fmt.Fprintf(&b, "state:   %s\n", snap.Mode)
	if snap.Track != nil {
		fmt.Fprintf(&b, "track:   %s %s\n", snap.Track.DisplayName(), progress(snap))
		if snap.Track.Path != "" {
			fmt.Fprintf(&b, "file:    %s\n", snap.Track.Path)
		}
	}
	fmt.Fprintf(&b, "volume:  %d\n", snap.Volume)
	fmt.Fprintf(&b, "shuffle: %s\n", onOff(snap.Shuffle))
	fmt.Fprintf(&b, "repeat:  %s\n", snap.Repeat)
	if snap.LastError != nil {
		fmt.Fprintf(&b, "error:   %s: %s\n", snap.LastError.Kind, snap.LastError.Message)
	}

	if len(snap.Queue) == 0 {
		b.WriteString("queue:   empty\n")
	} else {
		fmt.Fprintf(&b, "queue:   %d tracks\n", len(snap.Queue))
		for i, t := range snap.Queue {
			marker := " "
			if i == snap.Index {
				marker = ">"
			}
			fmt.Fprintf(&b, "  %s %2d. %s\n", marker, i+1, t.DisplayName())
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
