// Package relayrun hosts the relay as a process: it builds the relay's file
// logger, writes its pid file and ties the relay lifetime to signals.
package relayrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"termbus/internal/config"
	"termbus/internal/logging"
	"termbus/internal/relay"
)

// Options configures relay process runtime behavior.
type Options struct {
	Socket   string
	LogLevel string
	// Stdout receives the readiness marker. It is the only thing the relay
	// ever writes there.
	Stdout io.Writer
}

// Run binds the relay socket and serves until signalled or idle. A lost
// race for the address returns an error wrapping relay.ErrAddressInUse.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(opts.Socket) == "" {
		return fmt.Errorf("relay socket is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logPath := LogPath(cfg.Paths.LogDir, opts.Socket)
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      "json",
		OutputPaths: []string{logPath},
		Component:   "relay",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, logging.RelayLogTarget(cfg.Paths.LogDir, logPath))

	pidPath := PIDPath(opts.Socket)
	srv, err := relay.Listen(relay.Options{
		Socket:        opts.Socket,
		IdleGrace:     cfg.IdleGrace(),
		QueueDepth:    cfg.Relay.QueueDepth,
		WriteTimeout:  cfg.WriteTimeout(),
		MaxFrameBytes: cfg.Relay.MaxFrameBytes,
		MetricsBind:   cfg.Relay.MetricsBind,
		Ready:         opts.Stdout,
		// Runs while the lock is still held.
		OnRelease: func() { _ = os.Remove(pidPath) },
		Logger:    logger,
	})
	if err != nil {
		logger.Info("relay not started",
			logging.String(logging.FieldSocket, opts.Socket),
			logging.Error(err),
			logging.String(logging.FieldEventType, "relay_bind_failed"),
		)
		return err
	}

	if err := writePIDFile(pidPath); err != nil {
		logging.WarnWithContext(logger, "relay pid file not written", "relay_pid_write_failed",
			logging.String("path", pidPath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "termbus status cannot report the relay pid"),
		)
	}
	if err := srv.Serve(signalCtx); err != nil {
		logger.Error("relay stopped with error",
			logging.Error(err),
			logging.String(logging.FieldEventType, "relay_failed"),
			logging.String(logging.FieldErrorHint, "clients will respawn the relay on their next reconnect"),
		)
		return err
	}
	logger.Info("relay exited", logging.String(logging.FieldEventType, "relay_exited"))
	return nil
}

// LogPath returns the relay log file for socket inside logDir.
func LogPath(logDir, socket string) string {
	name := strings.TrimSuffix(filepath.Base(socket), filepath.Ext(socket))
	return filepath.Join(logDir, fmt.Sprintf("relay-%s.log", name))
}

// PIDPath returns the pid file a relay for socket writes while running.
func PIDPath(socket string) string {
	return socket + ".pid"
}

// ReadPID returns the pid recorded for the relay at socket.
func ReadPID(socket string) (int, error) {
	data, err := os.ReadFile(PIDPath(socket))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse relay pid file: %w", err)
	}
	return pid, nil
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
