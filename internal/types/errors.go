package types

import (
	"github.com/cockroachdb/errors"
)

// Kind is the machine-readable class of an error reported to clients
type Kind string

const (
	KindNoMatch             Kind = "no_match"
	KindAmbiguousMatch      Kind = "ambiguous_match"
	KindInvalidTransition   Kind = "invalid_transition"
	KindUnreadableSource    Kind = "unreadable_source"
	KindPlaybackFailed      Kind = "playback_failed"
	KindOutOfRange          Kind = "out_of_range"
	KindBadRequest          Kind = "bad_request"
	KindEndpointUnavailable Kind = "endpoint_unavailable"
	KindAlreadyRunning      Kind = "already_running"
	KindNotRunning          Kind = "not_running"
	KindInternal            Kind = "internal"
)

// Sentinel errors, one per kind. Wrap them with errors.Wrap/Wrapf to add context.
var (
	ErrNoMatch             = errors.New("no matching track")
	ErrAmbiguousMatch      = errors.New("query matches more than one track")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUnreadableSource    = errors.New("unreadable source")
	ErrPlaybackFailed      = errors.New("playback failed")
	ErrOutOfRange          = errors.New("out of range")
	ErrBadRequest          = errors.New("bad request")
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrAlreadyRunning      = errors.New("daemon already running")
	ErrNotRunning          = errors.New("daemon not running")
)

var kinds = []struct {
	kind Kind
	err  error
}{
	{KindNoMatch, ErrNoMatch},
	{KindAmbiguousMatch, ErrAmbiguousMatch},
	{KindInvalidTransition, ErrInvalidTransition},
	{KindUnreadableSource, ErrUnreadableSource},
	{KindPlaybackFailed, ErrPlaybackFailed},
	{KindOutOfRange, ErrOutOfRange},
	{KindBadRequest, ErrBadRequest},
	{KindEndpointUnavailable, ErrEndpointUnavailable},
	{KindAlreadyRunning, ErrAlreadyRunning},
	{KindNotRunning, ErrNotRunning},
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Sentinel returns the sentinel error for kind, or nil for unknown kinds
func Sentinel(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

// ToInfo converts err to its wire form
func ToInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
}

// Err rebuilds an error from its wire form so that errors.Is matches the
// sentinel of its kind.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	err := errors.New(e.Message)
	if sentinel := Sentinel(e.Kind); sentinel != nil {
		return errors.Mark(err, sentinel)
	}
	return err
}
