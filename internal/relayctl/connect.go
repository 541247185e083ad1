package relayctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"termbus/internal/logging"
	"termbus/internal/relay"
	"termbus/internal/relayrun"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultWaitTimeout = 5 * time.Second
	pollInterval       = 50 * time.Millisecond
)

// Connector dials the relay at Socket, spawning it first when nobody is
// listening.
type Connector struct {
	Socket  string
	Spawner Spawner
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
	// WaitTimeout bounds the wait for a competing relay after losing a
	// spawn race.
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// Connect returns a connection to the relay. When the dial fails because no
// relay is listening, it spawns one and retries once after the readiness
// marker. A spawn that loses the race waits for the winner instead.
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	conn, err := c.dial(ctx)
	if err == nil {
		return conn, nil
	}
	if !IsRelayUnavailable(err) || c.Spawner == nil {
		return nil, err
	}

	logger.Debug("no relay listening, spawning",
		logging.String(logging.FieldSocket, c.Socket),
		logging.String(logging.FieldEventType, "relay_spawn"),
	)
	spawnErr := c.Spawner.Spawn(ctx, c.Socket)
	switch {
	case spawnErr == nil:
		return c.dial(ctx)
	case errors.Is(spawnErr, relay.ErrAddressInUse):
		logger.Debug("lost relay spawn race, waiting for winner",
			logging.String(logging.FieldSocket, c.Socket),
			logging.String(logging.FieldEventType, "relay_spawn_race_lost"),
		)
		return WaitForSocket(ctx, c.Socket, c.waitTimeout(), c.dialTimeout())
	default:
		return nil, fmt.Errorf("spawn relay: %w", spawnErr)
	}
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	return Dial(ctx, c.Socket, c.dialTimeout())
}

func (c *Connector) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultDialTimeout
}

func (c *Connector) waitTimeout() time.Duration {
	if c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	return defaultWaitTimeout
}

// Dial connects to the relay socket without spawning.
func Dial(ctx context.Context, socket string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", socket, err)
	}
	return conn, nil
}

// WaitForSocket polls until the relay at socket accepts a connection.
func WaitForSocket(ctx context.Context, socket string, timeout, dialTimeout time.Duration) (net.Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := Dial(waitCtx, socket, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("relay not reachable within %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// IsRelayUnavailable reports dial errors meaning no relay is listening: the
// socket is missing, or a stale socket file refuses connections.
func IsRelayUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Probe reports whether a relay is accepting connections at socket and the
// pid it recorded, when available.
func Probe(ctx context.Context, socket string) (bool, int, error) {
	conn, err := Dial(ctx, socket, defaultDialTimeout)
	if err != nil {
		if IsRelayUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	_ = conn.Close()
	pid, err := relayrun.ReadPID(socket)
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}
