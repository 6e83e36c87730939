package main

import (
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/playd/internal/ipc"
)

func statusCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show playback state and the queue",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}

			// status never starts the daemon
			app := fromContext(cmd)
			snap, err := app.client.Do(cmd.Context(), ipc.CmdStatus, nil)
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", FormatText, "output format: text, json or yaml")

	return cmd
}
