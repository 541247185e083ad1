package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"termbus/internal/discovery"
	"termbus/internal/terminal"
)

type sessionsView struct {
	Socket   string `json:"socket"`
	State    string `json:"state"`
	Sessions []int  `json:"sessions"`
}

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Discover the sessions connected to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			addr, err := ctx.address(0)
			if err != nil {
				return err
			}
			client, err := ctx.newClient(addr, "sessions")
			if err != nil {
				return err
			}
			watcher := discovery.NewWatcher(client, nil, discovery.WatcherOptions{
				Settle: cfg.DiscoverySettle(),
				Logger: ctx.log(),
			})
			if err := client.Start(cmd.Context()); err != nil {
				return err
			}
			defer client.Close(context.Background())

			waitCtx, cancel := context.WithTimeout(cmd.Context(),
				cfg.ReadyTimeout()+cfg.DialTimeout()+cfg.DiscoverySettle()+time.Second)
			defer cancel()
			if err := watcher.WaitConverged(waitCtx); err != nil {
				return fmt.Errorf("discover sessions on %s: %w", addr.Socket, err)
			}

			view := sessionsView{
				Socket:   addr.Socket,
				State:    watcher.State().String(),
				Sessions: watcher.Registry().Snapshot(),
			}
			if asJSON {
				return writeJSON(cmd, view)
			}
			out := cmd.OutOrStdout()
			if len(view.Sessions) == 0 {
				fmt.Fprintln(out, "No sessions connected")
				return nil
			}
			fmt.Fprintln(out, renderTable(sessionRows(view.Sessions)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func sessionRows(owners []int) ([]string, [][]string, []columnAlignment) {
	rows := make([][]string, 0, len(owners))
	for _, owner := range owners {
		rows = append(rows, []string{strconv.Itoa(owner), yesNo(terminal.Alive(owner))})
	}
	return []string{"Shell PID", "Running"}, rows, []columnAlignment{alignRight, alignLeft}
}
