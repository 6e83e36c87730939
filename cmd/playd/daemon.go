package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/daemon"
	"github.com/austinkregel/local-media/playd/internal/logging"
)

func runCommand() *cobra.Command {
	var detached bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			cfg := app.cfg

			logFile := cfg.Log.File
			if logFile == "" && detached {
				logFile = filepath.Join(cfg.DataDir(), "playd.log")
			}
			log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: logFile})
			if err != nil {
				return err
			}
			defer log.Sync()

			d, err := daemon.New(daemon.Options{Config: cfg, Logger: log})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx); err != nil {
				log.Error("daemon exited", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&detached, "detached", false, "log to the data directory when no log file is configured")
	cmd.Flags().MarkHidden("detached")

	return cmd
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			if err := app.startDaemon(cmd.Context()); err != nil {
				return err
			}
			if pid, err := daemon.ReadPID(app.cfg.PIDPath()); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "playd started (pid %d)\n", pid)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "playd started")
			}
			return nil
		},
	}
}

func stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			if err := daemon.Stop(cmd.Context(), app.client, app.cfg.StartTimeout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "playd stopped")
			return nil
		},
	}
}
