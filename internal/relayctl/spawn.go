package relayctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"termbus/internal/relay"
)

// ErrNotReady reports that a spawned relay did not signal readiness in time.
var ErrNotReady = errors.New("relay did not become ready")

// Spawner starts a relay for socket. It returns nil once the relay has
// signalled readiness, or an error wrapping relay.ErrAddressInUse when the
// spawned relay lost the race for the address.
type Spawner interface {
	Spawn(ctx context.Context, socket string) error
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, socket string) error

// Spawn calls f.
func (f SpawnFunc) Spawn(ctx context.Context, socket string) error {
	return f(ctx, socket)
}

// ExecSpawner launches `<Executable> relay --socket <path>` as a detached
// process in its own session and watches its stdout for the readiness marker.
type ExecSpawner struct {
	Executable   string
	ExtraArgs    []string
	ReadyTimeout time.Duration
}

// NewExecSpawner spawns the running executable.
func NewExecSpawner(readyTimeout time.Duration, extraArgs ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Executable: exe, ExtraArgs: extraArgs, ReadyTimeout: readyTimeout}, nil
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, socket string) error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	args := append([]string{"relay", "--socket", socket}, s.ExtraArgs...)
	// The relay must outlive the context and this process, so it is not
	// started with CommandContext.
	proc := exec.Command(s.Executable, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyR.Close()
	proc.Stdout = readyW

	if err := proc.Start(); err != nil {
		_ = readyW.Close()
		return fmt.Errorf("launch relay: %w", err)
	}
	_ = readyW.Close()

	exited := make(chan int, 1)
	go func() {
		_ = proc.Wait()
		exited <- proc.ProcessState.ExitCode()
	}()

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(readyR)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == relay.ReadyMarker {
				close(ready)
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case code := <-exited:
		if code == relay.ExitAddressInUse {
			return fmt.Errorf("spawned relay exited: %w", relay.ErrAddressInUse)
		}
		return fmt.Errorf("%w: relay exited with status %d", ErrNotReady, code)
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
