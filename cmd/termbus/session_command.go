package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termbus/internal/logging"
	"termbus/internal/session"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var owner int
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Announce a session for a shell until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer cancel()

			s, err := openSession(ctx, owner, "session")
			if err != nil {
				return err
			}
			if err := s.Start(sigCtx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %d announced\n", s.Owner())

			<-sigCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
			defer stop()
			if err := s.Close(shutdownCtx); err != nil {
				ctx.log().Debug("session close", logging.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&owner, "owner", 0, "Shell pid to announce (defaults to TERMBUS_SHELL_PID, then the parent pid)")
	return cmd
}

// openSession resolves the owner and address and wires a session client.
func openSession(ctx *commandContext, owner int, component string) (*session.Session, error) {
	resolved, err := session.ResolveOwner(owner)
	if err != nil {
		return nil, err
	}
	addr, err := ctx.address(0)
	if err != nil {
		return nil, err
	}
	client, err := ctx.newClient(addr, component)
	if err != nil {
		return nil, err
	}
	return session.New(client, resolved, ctx.log())
}
