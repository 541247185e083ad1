package terminal

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// drainTimeout bounds how long Attach waits for buffered output after the
// shell exits.
const drainTimeout = time.Second

// Attach connects in and out to shell until the shell exits or ctx ends.
// When in is a terminal it is switched to raw mode and its size is
// propagated to the shell.
func Attach(ctx context.Context, shell *Shell, in *os.File, out io.Writer) error {
	shell.attached.Store(true)
	defer shell.closePTY()

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(fd, state) }()

		_ = pty.InheritSize(in, shell.pty)
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for {
				select {
				case <-winch:
					_ = pty.InheritSize(in, shell.pty)
				case <-shell.done:
					return
				}
			}
		}()
	}

	// The input copy stays blocked on in until the process reads again or
	// exits; it is not joined.
	go func() { _, _ = io.Copy(shell.pty, in) }()

	outDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(out, shell.pty)
		close(outDone)
	}()

	select {
	case <-shell.done:
	case <-outDone:
		select {
		case <-shell.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-outDone:
	case <-time.After(drainTimeout):
	}
	return nil
}
