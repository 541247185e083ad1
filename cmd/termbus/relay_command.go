package main

import (
	"github.com/spf13/cobra"

	"termbus/internal/relayrun"
)

func newRelayCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:    "relay",
		Short:  "Run the broadcast relay (started automatically by clients)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			addr, err := ctx.address(0)
			if err != nil {
				return err
			}
			return relayrun.Run(cmd.Context(), cfg, relayrun.Options{
				Socket:   addr.Socket,
				LogLevel: logLevel,
				Stdout:   cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Relay log level (defaults to logging.level)")
	return cmd
}
