package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termbus/internal/bus"
	"termbus/internal/session"
)

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var owner int
	var interactive bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request <kind> [json|-]",
		Short: "Send a request to the window owning a shell and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			target, err := session.ResolveOwner(owner)
			if err != nil {
				return err
			}
			sigCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, err := startOneShotClient(sigCtx, ctx, "request")
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			result, err := client.Request(sigCtx, args[0], target, payload, ctx.waitClass(interactive, timeout))
			if err != nil {
				return fmt.Errorf("%s request to %d: %w", args[0], target, err)
			}
			return writeJSON(cmd, json.RawMessage(result))
		},
	}
	cmd.Flags().IntVar(&owner, "owner", 0, "Target shell pid (defaults to TERMBUS_SHELL_PID, then the parent pid)")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Wait for a human-driven reply without the background timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the request timeout")
	return cmd
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var owner int
	cmd := &cobra.Command{
		Use:   "send <kind> [json|-]",
		Short: "Send a fire-and-forget frame",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			client, err := startOneShotClient(cmd.Context(), ctx, "send")
			if err != nil {
				return err
			}
			defer client.Close(context.Background())
			return client.Send(args[0], owner, payload)
		},
	}
	cmd.Flags().IntVar(&owner, "owner", 0, "Target shell pid (0 sends an unaddressed frame)")
	return cmd
}

// startOneShotClient connects a short-lived client and waits until the relay
// accepted it, so frames are not left in the outbox when the command exits.
func startOneShotClient(parent context.Context, ctx *commandContext, component string) (*bus.Client, error) {
	cfg, err := ctx.ensureConfig()
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
	if err := client.Start(parent); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(parent, cfg.ReadyTimeout()+cfg.DialTimeout())
	defer cancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("connect to relay %s: %w", addr.Socket, err)
	}
	return client, nil
}
