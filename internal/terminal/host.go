package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"termbus/internal/logging"
)

// ErrHostClosed is returned by Spawn after Close.
var ErrHostClosed = errors.New("terminal host closed")

// Shell is one process running in a pseudo-terminal.
type Shell struct {
	PID int

	cmd      *exec.Cmd
	pty      *os.File
	done     chan struct{}
	err      error
	attached atomic.Bool
	ptyOnce  sync.Once
}

// PTY returns the controlling side of the shell's terminal.
func (s *Shell) PTY() *os.File {
	return s.pty
}

// Done is closed once the shell has exited and been reaped.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Err returns the shell's exit error. Valid after Done.
func (s *Shell) Err() error {
	return s.err
}

// Resize sets the terminal size seen by the shell.
func (s *Shell) Resize(cols, rows uint16) error {
	return pty.Setsize(s.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *Shell) closePTY() {
	s.ptyOnce.Do(func() { _ = s.pty.Close() })
}

// Host starts shells and tracks the ones still running.
type Host struct {
	env    []string
	logger *slog.Logger

	mu     sync.Mutex
	shells map[int]*Shell
	closed bool
}

// NewHost returns a host that adds env to every shell's environment.
func NewHost(env []string, logger *slog.Logger) *Host {
	return &Host{
		env:    append([]string(nil), env...),
		logger: logging.NewComponentLogger(logger, "terminal"),
		shells: make(map[int]*Shell),
	}
}

// DefaultShell returns $SHELL, falling back to /bin/sh.
func DefaultShell() []string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return []string{shell}
	}
	return []string{"/bin/sh"}
}

// Spawn starts argv in a new pseudo-terminal. An empty argv runs
// DefaultShell.
func (h *Host) Spawn(argv ...string) (*Shell, error) {
	if len(argv) == 0 {
		argv = DefaultShell()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	h.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), h.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setDeathSignal(cmd.SysProcAttr)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	shell := &Shell{PID: cmd.Process.Pid, cmd: cmd, pty: ptmx, done: make(chan struct{})}
	h.mu.Lock()
	h.shells[shell.PID] = shell
	h.mu.Unlock()
	h.logger.Info("shell started",
		logging.Int("pid", shell.PID),
		logging.String("command", strings.Join(argv, " ")),
		logging.String(logging.FieldEventType, "shell_started"),
	)

	go h.reap(shell)
	return shell, nil
}

func (h *Host) reap(shell *Shell) {
	shell.err = shell.cmd.Wait()
	h.mu.Lock()
	delete(h.shells, shell.PID)
	h.mu.Unlock()
	close(shell.done)
	if !shell.attached.Load() {
		shell.closePTY()
	}

	attrs := []logging.Attr{
		logging.Int("pid", shell.PID),
		logging.String(logging.FieldEventType, "shell_exited"),
	}
	if shell.err != nil && !isSignalExit(shell.err) {
		attrs = append(attrs, logging.Error(shell.err))
	}
	h.logger.Info("shell exited", logging.Args(attrs...)...)
}

// Owns reports whether pid is a live shell started by this host.
func (h *Host) Owns(pid int) bool {
	h.mu.Lock()
	_, ok := h.shells[pid]
	h.mu.Unlock()
	return ok && Alive(pid)
}

// Pids returns the running shell pids, sorted.
func (h *Host) Pids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pids := make([]int, 0, len(h.shells))
	for pid := range h.shells {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Close hangs up every shell, escalating to SIGKILL for shells still running
// after timeout.
func (h *Host) Close(timeout time.Duration) error {
	h.mu.Lock()
	h.closed = true
	shells := make([]*Shell, 0, len(h.shells))
	for _, shell := range h.shells {
		shells = append(shells, shell)
	}
	h.mu.Unlock()

	var errs []error
	for _, shell := range shells {
		if err := unix.Kill(shell.PID, unix.SIGHUP); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("hang up %d: %w", shell.PID, err))
		}
	}
	deadline := time.After(timeout)
	for _, shell := range shells {
		select {
		case <-shell.done:
			continue
		case <-deadline:
		}
		if err := unix.Kill(shell.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill %d: %w", shell.PID, err))
		}
		<-shell.done
	}
	return errors.Join(errs...)
}

// Alive reports whether pid exists. EPERM means it exists under another uid.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func isSignalExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
