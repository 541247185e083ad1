package bus

import "time"

// Wait selects how long a request may stay pending.
//
// Background requests are cheap lookups with a short bound. Interactive
// requests wait on a human (a picker, a confirmation) and by default wait
// until answered, abandoned or disconnected.
type Wait struct {
	interactive bool
	timeout     time.Duration
}

// Background returns the bounded wait class. d <= 0 selects the client's
// configured background timeout.
func Background(d time.Duration) Wait {
	return Wait{timeout: d}
}

// Interactive returns the unbounded wait class.
func Interactive() Wait {
	return Wait{interactive: true}
}

// InteractiveWithin returns an interactive wait bounded by d. d <= 0 means
// no bound.
func InteractiveWithin(d time.Duration) Wait {
	return Wait{interactive: true, timeout: d}
}

// IsInteractive reports whether failures are user visible.
func (w Wait) IsInteractive() bool {
	return w.interactive
}

// Timeout returns the bound, or zero for none.
func (w Wait) Timeout() time.Duration {
	return w.timeout
}

func (w Wait) String() string {
	if w.interactive {
		return "interactive"
	}
	return "background"
}

func (w Wait) resolve(background time.Duration) time.Duration {
	if !w.interactive && w.timeout <= 0 {
		return background
	}
	if w.timeout < 0 {
		return 0
	}
	return w.timeout
}
