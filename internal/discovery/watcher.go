package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"termbus/internal/frame"
	"termbus/internal/logging"
	"termbus/internal/registry"
)

// DefaultSettle is how long a window waits after querying before it treats
// its registry as converged.
const DefaultSettle = 500 * time.Millisecond

// State describes how far a watcher has come since its last connect.
type State int

const (
	StateDisconnected State = iota
	StateQuerying
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateQuerying:
		return "querying"
	case StateConverged:
		return "converged"
	default:
		return "disconnected"
	}
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Settle time.Duration
	Logger *slog.Logger
}

// Watcher keeps a registry in step with the sessions reachable through the
// relay. Register it before the client starts so the first connect is seen.
type Watcher struct {
	transport Transport
	reg       *registry.Registry
	settle    time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	queriedAt time.Time
	timer     *time.Timer
	converged chan struct{}
}

// NewWatcher wires a watcher into transport. reg may be nil, in which case a
// fresh registry is created.
func NewWatcher(transport Transport, reg *registry.Registry, opts WatcherOptions) *Watcher {
	if reg == nil {
		reg = registry.New()
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	w := &Watcher{
		transport: transport,
		reg:       reg,
		settle:    opts.Settle,
		logger:    logging.NewComponentLogger(opts.Logger, "discovery"),
		converged: make(chan struct{}),
	}
	transport.Handle(KindReply, w.handleReply)
	transport.Handle(KindRetract, w.handleRetract)
	transport.OnConnect(w.onConnect)
	transport.OnDisconnect(w.onDisconnect)
	return w
}

// Registry returns the registry the watcher maintains.
func (w *Watcher) Registry() *registry.Registry {
	return w.reg
}

// State reports the current discovery state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// QueriedAt returns when the last announce-query went out.
func (w *Watcher) QueriedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queriedAt
}

// WaitConverged blocks until the watcher has been connected for the settle
// period after its latest query, or until ctx ends.
func (w *Watcher) WaitConverged(ctx context.Context) error {
	for {
		w.mu.Lock()
		ch := w.converged
		w.mu.Unlock()
		select {
		case <-ch:
			// A reconnect may have reset the state since the channel closed.
			if w.State() == StateConverged {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) onConnect(context.Context) {
	w.reg.Reset()

	w.mu.Lock()
	w.gen++
	gen := w.gen
	w.state = StateQuerying
	w.queriedAt = time.Now()
	w.resetConvergedLocked()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() { w.markConverged(gen) })
	w.mu.Unlock()

	if err := w.transport.Send(KindQuery, frame.NoOwner, nil); err != nil {
		w.logger.Debug("announce query not sent", logging.Error(err))
		return
	}
	w.logger.Debug("announce query sent", logging.String(logging.FieldEventType, "announce_query"))
}

func (w *Watcher) onDisconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.state = StateDisconnected
	w.resetConvergedLocked()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) markConverged(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.state != StateQuerying {
		w.mu.Unlock()
		return
	}
	w.state = StateConverged
	close(w.converged)
	w.mu.Unlock()
	w.logger.Debug("discovery converged", logging.Int("sessions", w.reg.Len()))
}

// resetConvergedLocked replaces a closed converged channel so later waiters
// block until the next convergence.
func (w *Watcher) resetConvergedLocked() {
	select {
	case <-w.converged:
		w.converged = make(chan struct{})
	default:
	}
}

func (w *Watcher) handleReply(_ context.Context, env frame.Envelope) {
	if !env.Addressed() {
		return
	}
	if w.reg.Add(env.Owner) {
		w.logger.Debug("session announced", logging.Int(logging.FieldOwner, env.Owner))
	}
}

func (w *Watcher) handleRetract(_ context.Context, env frame.Envelope) {
	if !env.Addressed() {
		return
	}
	if w.reg.Remove(env.Owner) {
		w.logger.Debug("session retracted", logging.Int(logging.FieldOwner, env.Owner))
	}
}
