// Package main is the entry point for playd.
// playd is a headless audio playback daemon; the same binary is also the
// client that sends it commands over a local socket.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/playd/internal/config"
	"github.com/austinkregel/local-media/playd/internal/daemon"
	"github.com/austinkregel/local-media/playd/internal/ipc"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// Version is set at build time via ldflags
var Version = "dev"

type app struct {
	cfg       *config.Config
	configDir string
	client    *ipc.Client
	noStart   bool
}

type appKey struct{}

func main() {
	root := rootCommand()
	if err := root.Execute(); err != nil {
		// cobra reports unknown subcommands before any of our validation runs
		if strings.HasPrefix(err.Error(), "unknown command") {
			err = usageError(err)
		}
		fmt.Fprintf(os.Stderr, "playd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func rootCommand() *cobra.Command {
	var (
		configDir string
		timeout   time.Duration
		noStart   bool
	)

	root := &cobra.Command{
		Use:           "playd",
		Short:         "Background audio playback daemon and client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	root.PersistentFlags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir(), "configuration directory")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "command timeout")
	root.PersistentFlags().BoolVar(&noStart, "no-start", false, "do not start the daemon if it is not running")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		mgr := config.NewManager(configDir)
		if err := mgr.Load(); err != nil {
			return err
		}
		cfg := mgr.Get()

		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{
			cfg:       cfg,
			configDir: configDir,
			client:    ipc.NewClient(cfg.SocketPath(), timeout),
			noStart:   noStart || !cfg.Daemon.AutoStart,
		}))
		return nil
	}

	root.AddCommand(runCommand())
	root.AddCommand(startCommand())
	root.AddCommand(stopCommand())
	root.AddCommand(statusCommand())
	root.AddCommand(playCommand())
	root.AddCommand(pauseCommand())
	root.AddCommand(resumeCommand())
	root.AddCommand(haltCommand())
	root.AddCommand(nextCommand())
	root.AddCommand(prevCommand())
	root.AddCommand(seekCommand())
	root.AddCommand(volumeCommand())
	root.AddCommand(enqueueCommand())
	root.AddCommand(shuffleCommand())
	root.AddCommand(repeatCommand())
	root.AddCommand(clearCommand())

	return root
}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

// call sends a command, starting the daemon first when it is not running
// and auto start is enabled
func (a *app) call(ctx context.Context, cmd ipc.CommandType, args interface{}) (types.Snapshot, error) {
	snap, err := a.client.Do(ctx, cmd, args)
	if err == nil || a.noStart || !errors.Is(err, types.ErrNotRunning) {
		return snap, err
	}

	if err := a.startDaemon(ctx); err != nil && !errors.Is(err, types.ErrAlreadyRunning) {
		return types.Snapshot{}, err
	}
	return a.client.Do(ctx, cmd, args)
}

func (a *app) startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate playd executable")
	}
	return daemon.StartDetached(ctx, a.client, exe, []string{"run", "--detached", "--config", a.configDir}, a.cfg.StartTimeout())
}
