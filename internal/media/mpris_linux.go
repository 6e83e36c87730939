//go:build linux

package media

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/types"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusName         = "org.mpris.MediaPlayer2.playd"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	propertiesInterface  = "org.freedesktop.DBus.Properties"

	identity = "playd"

	// Position jumps larger than this outside normal playback are announced
	// with Seeked
	seekThreshold = 2 * time.Second
)

var noTrack = dbus.ObjectPath("/org/mpris/MediaPlayer2/TrackList/NoTrack")

// MPRISSession implements MPRIS media session for Linux
type MPRISSession struct {
	conn *dbus.Conn
	log  *zap.Logger

	mu      sync.RWMutex
	handler CommandHandler
	snap    types.Snapshot
	updated time.Time
}

// NewSession creates a new MPRIS media session
func NewSession(log *zap.Logger) (Session, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to session bus")
	}

	// Request the MPRIS bus name
	reply, err := conn.RequestName(mprisBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "request bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errors.Newf("bus name %s already taken", mprisBusName)
	}

	session := &MPRISSession{
		conn:    conn,
		log:     log,
		snap:    types.Snapshot{Index: -1},
		updated: time.Now(),
	}

	if err := session.exportInterfaces(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "export interfaces")
	}

	log.Info("mpris session registered", zap.String("bus_name", mprisBusName))
	return session, nil
}

func (s *MPRISSession) exportInterfaces() error {
	path := dbus.ObjectPath(mprisObjectPath)
	for _, iface := range []string{mprisInterface, mprisPlayerInterface, propertiesInterface} {
		if err := s.conn.Export(s, path, iface); err != nil {
			return errors.Wrapf(err, "export %s", iface)
		}
	}
	return nil
}

// Update publishes the properties that changed since the previous snapshot
func (s *MPRISSession) Update(snap types.Snapshot) error {
	s.mu.Lock()
	prev, prevAt := s.snap, s.updated
	s.snap = snap
	s.updated = time.Now()
	s.mu.Unlock()

	changed := changedProperties(prev, snap)
	if len(changed) > 0 {
		if err := s.emitPropertiesChanged(mprisPlayerInterface, changed); err != nil {
			return errors.Wrap(err, "emit PropertiesChanged")
		}
	}

	if seeked(prev, prevAt, snap, time.Now()) {
		return s.emitSeeked(snap.Position())
	}
	return nil
}

// emitSeeked emits the Seeked signal to tell clients the current position
func (s *MPRISSession) emitSeeked(position time.Duration) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		mprisPlayerInterface+".Seeked",
		position.Microseconds(),
	)
}

// SetCommandHandler sets the handler for media commands
func (s *MPRISSession) SetCommandHandler(handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Close releases resources
func (s *MPRISSession) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.ReleaseName(mprisBusName); err != nil {
		s.log.Debug("release bus name", zap.Error(err))
	}
	return s.conn.Close()
}

func (s *MPRISSession) dispatch(cmd Command, data interface{}) *dbus.Error {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		return nil
	}
	if err := handler.OnCommand(cmd, data); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (s *MPRISSession) current() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// position is the playback position now, extrapolated from the last snapshot
func (s *MPRISSession) position() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return livePosition(s.snap, s.updated, time.Now())
}

// org.mpris.MediaPlayer2 methods

func (s *MPRISSession) Raise() *dbus.Error {
	return nil
}

func (s *MPRISSession) Quit() *dbus.Error {
	return nil
}

// org.mpris.MediaPlayer2.Player methods

func (s *MPRISSession) Play() *dbus.Error {
	return s.dispatch(CmdPlay, nil)
}

func (s *MPRISSession) Pause() *dbus.Error {
	return s.dispatch(CmdPause, nil)
}

func (s *MPRISSession) PlayPause() *dbus.Error {
	return s.dispatch(CmdPlayPause, nil)
}

func (s *MPRISSession) Stop() *dbus.Error {
	return s.dispatch(CmdStop, nil)
}

func (s *MPRISSession) Next() *dbus.Error {
	return s.dispatch(CmdNext, nil)
}

func (s *MPRISSession) Previous() *dbus.Error {
	return s.dispatch(CmdPrevious, nil)
}

func (s *MPRISSession) Seek(offset int64) *dbus.Error {
	pos := s.position() + time.Duration(offset)*time.Microsecond
	if pos < 0 {
		pos = 0
	}
	return s.dispatch(CmdSeek, pos)
}

func (s *MPRISSession) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	// Requests for a track that is no longer current are ignored
	if trackID != trackPath(MetadataOf(s.current()).TrackID) {
		return nil
	}
	return s.dispatch(CmdSeek, time.Duration(position)*time.Microsecond)
}

// org.freedesktop.DBus.Properties methods

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	props, err := s.GetAll(iface)
	if err != nil {
		return dbus.Variant{}, err
	}
	v, ok := props[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(errors.Newf("unknown property: %s", prop))
	}
	return v, nil
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return rootProperties(), nil
	case mprisPlayerInterface:
		props := playerProperties(s.current())
		props["Position"] = dbus.MakeVariant(s.position().Microseconds())
		return props, nil
	}
	return nil, dbus.MakeFailedError(errors.Newf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface {
		return nil
	}

	switch prop {
	case "Shuffle":
		enabled, ok := value.Value().(bool)
		if !ok {
			return dbus.MakeFailedError(errors.New("invalid type for Shuffle"))
		}
		return s.dispatch(CmdSetShuffle, enabled)
	case "LoopStatus":
		status, ok := value.Value().(string)
		if !ok {
			return dbus.MakeFailedError(errors.New("invalid type for LoopStatus"))
		}
		return s.dispatch(CmdSetLoopStatus, LoopStatus(status))
	}
	return nil
}

func (s *MPRISSession) emitPropertiesChanged(iface string, props map[string]dbus.Variant) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		propertiesInterface+".PropertiesChanged",
		iface,
		props,
		[]string{},
	)
}

func rootProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(identity),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"file"}),
		"SupportedMimeTypes": dbus.MakeVariant([]string{
			"audio/mpeg", "audio/flac", "audio/x-m4a", "audio/aac",
			"audio/ogg", "audio/opus", "audio/wav",
		}),
	}
}

func playerProperties(snap types.Snapshot) map[string]dbus.Variant {
	hasTrack := snap.Track != nil
	return map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(playbackStatus(StateOf(snap.Mode))),
		"Metadata":       dbus.MakeVariant(metadataMap(MetadataOf(snap))),
		"Position":       dbus.MakeVariant(snap.Position().Microseconds()),
		"Volume":         dbus.MakeVariant(float64(snap.Volume) / 100),
		"Rate":           dbus.MakeVariant(1.0),
		"MinimumRate":    dbus.MakeVariant(1.0),
		"MaximumRate":    dbus.MakeVariant(1.0),
		"CanGoNext":      dbus.MakeVariant(hasTrack),
		"CanGoPrevious":  dbus.MakeVariant(hasTrack),
		"CanPlay":        dbus.MakeVariant(hasTrack),
		"CanPause":       dbus.MakeVariant(hasTrack),
		"CanSeek":        dbus.MakeVariant(hasTrack),
		"CanControl":     dbus.MakeVariant(true),
		"Shuffle":        dbus.MakeVariant(snap.Shuffle),
		"LoopStatus":     dbus.MakeVariant(string(LoopStatusOf(snap.Repeat))),
	}
}

// changedProperties returns the player properties that differ between prev
// and next. Position is never signalled; clients extrapolate it.
func changedProperties(prev, next types.Snapshot) map[string]dbus.Variant {
	before, after := playerProperties(prev), playerProperties(next)
	changed := make(map[string]dbus.Variant)
	for name, v := range after {
		if name == "Position" {
			continue
		}
		if !reflect.DeepEqual(before[name].Value(), v.Value()) {
			changed[name] = v
		}
	}
	return changed
}

// seeked reports whether the position moved somewhere playback alone would
// not have taken it
func seeked(prev types.Snapshot, prevAt time.Time, next types.Snapshot, now time.Time) bool {
	if next.Track == nil {
		return false
	}
	if prev.Track == nil || prev.Track.ID != next.Track.ID {
		return next.PositionMs > 0
	}
	drift := next.Position() - livePosition(prev, prevAt, now)
	return drift > seekThreshold || drift < -seekThreshold
}

// livePosition extrapolates the position of snap, taken at at, to now.
// Only a playing track moves; it never runs past the end of the track.
func livePosition(snap types.Snapshot, at, now time.Time) time.Duration {
	pos := snap.Position()
	if snap.Mode != types.ModePlaying {
		return pos
	}
	if elapsed := now.Sub(at); elapsed > 0 {
		pos += elapsed
	}
	if end := time.Duration(snap.DurationMs) * time.Millisecond; end > 0 && pos > end {
		pos = end
	}
	return pos
}

func playbackStatus(state PlaybackState) string {
	switch state {
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

func trackPath(id string) dbus.ObjectPath {
	if id == "" {
		return noTrack
	}
	return dbus.ObjectPath("/org/playd/track/" + strings.ReplaceAll(id, "-", "_"))
}

func metadataMap(md Metadata) map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(trackPath(md.TrackID)),
	}
	if md.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(md.Title)
	}
	if md.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(md.Duration.Microseconds())
	}
	if md.Path != "" {
		m["xesam:url"] = dbus.MakeVariant("file://" + md.Path)
	}
	return m
}
