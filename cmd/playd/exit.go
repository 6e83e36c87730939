package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// Exit codes
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitAlreadyRunning = 3
	ExitNotRunning     = 4

	ExitNoMatch             = 10
	ExitAmbiguousMatch      = 11
	ExitInvalidTransition   = 12
	ExitUnreadableSource    = 13
	ExitPlaybackFailed      = 14
	ExitOutOfRange          = 15
	ExitBadRequest          = 16
	ExitEndpointUnavailable = 17
)

var errUsage = errors.New("usage")

var kindExitCodes = map[types.Kind]int{
	types.KindAlreadyRunning:      ExitAlreadyRunning,
	types.KindNotRunning:          ExitNotRunning,
	types.KindNoMatch:             ExitNoMatch,
	types.KindAmbiguousMatch:      ExitAmbiguousMatch,
	types.KindInvalidTransition:   ExitInvalidTransition,
	types.KindUnreadableSource:    ExitUnreadableSource,
	types.KindPlaybackFailed:      ExitPlaybackFailed,
	types.KindOutOfRange:          ExitOutOfRange,
	types.KindBadRequest:          ExitBadRequest,
	types.KindEndpointUnavailable: ExitEndpointUnavailable,
}

// usageError marks err as a command line mistake
func usageError(err error) error {
	return errors.Mark(err, errUsage)
}

// usageArgs marks argument validation failures as usage errors
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, errUsage) {
		return ExitUsage
	}
	if code, ok := kindExitCodes[types.KindOf(err)]; ok {
		return code
	}
	return ExitFailure
}
