package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"termbus/internal/config"
	"termbus/internal/relayctl"
	"termbus/internal/relayrun"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the relay address and whether it is reachable",
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
			lines := relayStatusLines(cmd, cfg, addr)

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Relay", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, line := range lines {
				fmt.Fprintln(out, renderStatusLine(line, colorize))
			}
			return nil
		},
	}
}

func relayStatusLines(cmd *cobra.Command, cfg *config.Config, addr relayctl.Address) []statusLine {
	host := addr.HostID
	if host == "" {
		host = "(from socket)"
	}
	lines := []statusLine{
		{Label: "Host", Kind: statusInfo, Message: host},
		{Label: "Socket", Kind: statusInfo, Message: addr.Socket},
	}

	_, statErr := os.Stat(addr.Socket)
	running, pid, probeErr := relayctl.Probe(cmd.Context(), addr.Socket)
	switch {
	case probeErr != nil:
		lines = append(lines, statusLine{Label: "Relay", Kind: statusError, Message: probeErr.Error()})
	case running:
		msg := "accepting connections"
		if pid > 0 {
			msg += " (pid " + strconv.Itoa(pid) + ")"
		}
		lines = append(lines, statusLine{Label: "Relay", Kind: statusOK, Message: msg})
	case statErr == nil:
		lines = append(lines, statusLine{Label: "Relay", Kind: statusWarn, Message: "stale socket; the next client will replace it"})
	case errors.Is(statErr, fs.ErrNotExist):
		lines = append(lines, statusLine{Label: "Relay", Kind: statusInfo, Message: "not running; starts on first connect"})
	default:
		lines = append(lines, statusLine{Label: "Relay", Kind: statusError, Message: statErr.Error()})
	}

	lines = append(lines,
		statusLine{Label: "Relay log", Kind: statusInfo, Message: relayrun.LogPath(cfg.Paths.LogDir, addr.Socket)},
		statusLine{Label: "Idle grace", Kind: statusInfo, Message: cfg.IdleGrace().String()},
	)
	if cfg.Relay.MetricsBind != "" {
		lines = append(lines, statusLine{Label: "Metrics", Kind: statusInfo, Message: "http://" + cfg.Relay.MetricsBind + "/metrics"})
	}
	return lines
}
