//go:build !linux

package media

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// NewSession creates a new platform-specific media session.
// Only MPRIS on Linux is supported; callers fall back to NoOpSession.
func NewSession(log *zap.Logger) (Session, error) {
	return nil, errors.New("media session not supported on this platform")
}
