// Package daemon wires the playback controller, the IPC server and the media
// session into the long-running playd process and manages its lifecycle.
package daemon

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/playd/internal/audio"
	"github.com/austinkregel/local-media/playd/internal/config"
	"github.com/austinkregel/local-media/playd/internal/ipc"
	"github.com/austinkregel/local-media/playd/internal/library"
	"github.com/austinkregel/local-media/playd/internal/media"
	"github.com/austinkregel/local-media/playd/internal/playback"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// Engine is the audio engine owned by the daemon
type Engine interface {
	playback.Engine
	Close() error
}

// Options configures a Daemon. Nil components are built from Config.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Engine  Engine
	Library playback.Library
	Media   media.Session
}

// Daemon is a playd process
type Daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	engine  Engine
	library playback.Library
	session media.Session
}

// New creates a daemon. Nothing is claimed until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg, log := opts.Config, opts.Logger

	d := &Daemon{
		cfg:     cfg,
		log:     log.Named("daemon"),
		engine:  opts.Engine,
		library: opts.Library,
		session: opts.Media,
	}

	var decoder audio.Decoder
	if d.engine == nil || d.library == nil {
		var err error
		decoder, err = audio.NewDecoder(cfg.Audio.Decoder)
		if err != nil {
			return nil, errors.Wrap(err, "create decoder")
		}
		d.log.Info("decoder selected", zap.String("kind", cfg.Audio.Decoder), zap.String("type", decoderName(decoder)))
	}

	if d.engine == nil {
		d.engine = audio.NewEngine(audio.Options{
			Decoder:    decoder,
			Format:     audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: audio.DefaultFormat.Channels},
			BufferSize: time.Duration(cfg.Audio.BufferSizeMs) * time.Millisecond,
			Volume:     cfg.Playback.DefaultVolume,
			Logger:     log.Named("player"),
		})
	}
	if d.library == nil {
		d.library = library.NewCatalog(cfg.LibraryDir(), decoder, log.Named("library"))
	}
	return d, nil
}

// Run claims the endpoint and serves until ctx is cancelled or a client
// sends daemon_stop. On return the socket and pid file are gone and the
// audio device is released.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.DataDir(), 0700); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	listener, lock, err := claim(ctx, d.cfg.SocketPath(), d.cfg.PIDPath(), d.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			d.log.Warn("failed to release pid lock", zap.Error(err))
		}
	}()
	d.log.Info("daemon started",
		zap.String("socket", d.cfg.SocketPath()),
		zap.String("library", d.cfg.LibraryDir()))

	controller := playback.New(playback.Options{
		Engine:        d.engine,
		Library:       d.library,
		Logger:        d.log.Named("playback"),
		Volume:        d.cfg.Playback.DefaultVolume,
		StatusTimeout: d.cfg.StatusTimeout(),
	})

	session := d.openSession()
	defer func() {
		if err := session.Close(); err != nil {
			d.log.Debug("close media session", zap.Error(err))
		}
	}()
	dispatcher := media.NewDispatcher(controller, d.log.Named("media"))
	session.SetCommandHandler(dispatcher)
	controller.SetObserver(func(snap types.Snapshot) {
		if err := session.Update(snap); err != nil {
			d.log.Debug("media session update failed", zap.Error(err))
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	server := ipc.NewServer(listener, controller, ipc.ServerOptions{
		RequestTimeout: d.cfg.RequestTimeout(),
		OnStop:         stop,
		Logger:         d.log.Named("ipc"),
	})

	// The controller outlives the server so in-flight requests complete
	ctrlCtx, stopController := context.WithCancel(context.Background())
	defer stopController()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stopController()
		return server.Serve(gctx)
	})
	g.Go(func() error {
		return controller.Run(ctrlCtx)
	})
	g.Go(func() error {
		return dispatcher.Run(ctrlCtx)
	})
	err = g.Wait()

	if cerr := d.engine.Close(); cerr != nil {
		d.log.Warn("failed to release audio device", zap.Error(cerr))
	}
	// The listener unlinks the socket on close; this covers a listener that
	// was never closed cleanly
	if rerr := os.Remove(d.cfg.SocketPath()); rerr != nil && !os.IsNotExist(rerr) {
		d.log.Warn("failed to remove socket", zap.Error(rerr))
	}

	d.log.Info("daemon stopped")
	return err
}

func (d *Daemon) openSession() media.Session {
	if d.session != nil {
		return d.session
	}
	if !d.cfg.Media.Enabled {
		return media.NewNoOpSession()
	}
	session, err := media.NewSession(d.log.Named("media"))
	if err != nil {
		d.log.Warn("media session unavailable, continuing without OS media integration", zap.Error(err))
		return media.NewNoOpSession()
	}
	return session
}

func decoderName(dec audio.Decoder) string {
	switch dec.(type) {
	case *audio.FFmpegDecoder:
		return "ffmpeg"
	case *audio.NativeDecoder:
		return "native"
	}
	return "custom"
}
