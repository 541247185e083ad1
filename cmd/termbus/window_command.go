package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termbus/internal/logging"
	"termbus/internal/registry"
	"termbus/internal/relayctl"
	"termbus/internal/terminal"
	"termbus/internal/window"
)

const windowShutdownTimeout = 3 * time.Second

func newWindowCommand(ctx *commandContext) *cobra.Command {
	var owns []int
	cmd := &cobra.Command{
		Use:   "window [-- shell args...]",
		Short: "Host a shell as a termbus window",
		Long: "Runs a shell in a pseudo-terminal with the relay address exported, " +
			"answering requests addressed to that shell. With --owns the window " +
			"runs headless and answers for the listed pids instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if len(owns) > 0 {
				return runHeadlessWindow(sigCtx, cmd, ctx, terminal.NewSet(owns...))
			}
			return runShellWindow(sigCtx, cmd, ctx, args)
		},
	}
	cmd.Flags().IntSliceVar(&owns, "owns", nil, "Answer for these shell pids without hosting a shell")
	return cmd
}

func runHeadlessWindow(sigCtx context.Context, cmd *cobra.Command, ctx *commandContext, inventory window.Inventory) error {
	addr, err := ctx.address(os.Getpid())
	if err != nil {
		return err
	}
	stop, err := startWindow(sigCtx, ctx, addr, inventory)
	if err != nil {
		return err
	}
	defer stop()
	fmt.Fprintf(cmd.OutOrStdout(), "Window %d listening on %s\n", os.Getpid(), addr.Socket)
	<-sigCtx.Done()
	return nil
}

func runShellWindow(sigCtx context.Context, cmd *cobra.Command, ctx *commandContext, args []string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	// The shell owns the terminal, so window logs go to a file.
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("window-%d.log", os.Getpid()))
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      "json",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	ctx.useLogger(logger)
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     cfg.Paths.LogDir,
		Pattern: "window-*.log",
		Exclude: []string{logPath},
	})

	addr, err := ctx.address(os.Getpid())
	if err != nil {
		return err
	}
	host := terminal.NewHost(addr.Env(), ctx.log())
	defer func() { _ = host.Close(windowShutdownTimeout) }()

	stop, err := startWindow(sigCtx, ctx, addr, host)
	if err != nil {
		return err
	}
	defer stop()

	shell, err := host.Spawn(args...)
	if err != nil {
		return err
	}
	return terminal.Attach(sigCtx, shell, os.Stdin, cmd.OutOrStdout())
}

// startWindow connects a window for inventory and logs registry changes.
func startWindow(sigCtx context.Context, ctx *commandContext, addr relayctl.Address, inventory window.Inventory) (func(), error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	client, err := ctx.newClient(addr, "window")
	if err != nil {
		return nil, err
	}
	win, err := window.New(window.Options{
		Client:    client,
		Inventory: inventory,
		Settle:    cfg.DiscoverySettle(),
		Logger:    ctx.log(),
	})
	if err != nil {
		return nil, err
	}

	changes, unsubscribe := win.Registry().Subscribe(32)
	go logRegistryChanges(ctx.log(), changes)

	if err := win.Start(sigCtx); err != nil {
		unsubscribe()
		return nil, err
	}
	return func() {
		unsubscribe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), windowShutdownTimeout)
		defer cancel()
		_ = win.Close(shutdownCtx)
	}, nil
}

func logRegistryChanges(logger *slog.Logger, changes <-chan registry.Change) {
	logger = logging.NewComponentLogger(logger, "registry")
	for change := range changes {
		attrs := []logging.Attr{
			logging.String("change", change.Kind.String()),
			logging.String(logging.FieldEventType, "registry_"+change.Kind.String()),
		}
		if change.Owner > 0 {
			attrs = append(attrs, logging.Int(logging.FieldOwner, change.Owner))
		}
		logger.Info("session registry changed", logging.Args(attrs...)...)
	}
}
