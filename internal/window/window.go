package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"termbus/internal/bus"
	"termbus/internal/discovery"
	"termbus/internal/frame"
	"termbus/internal/logging"
	"termbus/internal/registry"
)

// KindPing is answered by every window for the shells it owns.
const KindPing = "window.ping"

// Inventory reports whether a pid belongs to a shell this window hosts.
type Inventory interface {
	Owns(pid int) bool
}

// InventoryFunc adapts a function to Inventory.
type InventoryFunc func(pid int) bool

// Owns calls f.
func (f InventoryFunc) Owns(pid int) bool {
	return f(pid)
}

// RequestHandler answers an owned request. The returned value becomes the
// reply result; a non-nil error is delivered to the requester instead.
type RequestHandler func(ctx context.Context, env frame.Envelope) (any, error)

// NotifyHandler receives an owned fire-and-forget frame.
type NotifyHandler func(ctx context.Context, env frame.Envelope)

// PingResult is the reply to KindPing.
type PingResult struct {
	WindowPID int `json:"window_pid"`
	Owner     int `json:"owner"`
}

// Options configures a Window.
type Options struct {
	Client    *bus.Client
	Inventory Inventory
	Registry  *registry.Registry
	Settle    time.Duration
	// PID identifies this window in ping replies; defaults to os.Getpid.
	PID    int
	Logger *slog.Logger
}

// Window filters broadcast traffic down to the shells it hosts and tracks
// the sessions reachable on the relay.
type Window struct {
	client    *bus.Client
	inventory Inventory
	watcher   *discovery.Watcher
	pid       int
	logger    *slog.Logger

	handlers sync.WaitGroup
}

// New wires a window onto client. Call it before starting the client so the
// first connect runs discovery.
func New(opts Options) (*Window, error) {
	if opts.Client == nil {
		return nil, errors.New("window requires a bus client")
	}
	if opts.Inventory == nil {
		return nil, errors.New("window requires a process inventory")
	}
	if opts.PID <= 0 {
		opts.PID = os.Getpid()
	}
	logger := logging.NewComponentLogger(opts.Logger, "window")
	w := &Window{
		client:    opts.Client,
		inventory: opts.Inventory,
		pid:       opts.PID,
		logger:    logger,
	}
	w.watcher = discovery.NewWatcher(opts.Client, opts.Registry, discovery.WatcherOptions{
		Settle: opts.Settle,
		Logger: opts.Logger,
	})
	w.HandleRequest(KindPing, w.ping)
	return w, nil
}

// Start begins connecting to the relay.
func (w *Window) Start(ctx context.Context) error {
	return w.client.Start(ctx)
}

// HandleRequest registers fn for owned requests of kind. Each request runs
// in its own goroutine and is always answered.
func (w *Window) HandleRequest(kind string, fn RequestHandler) {
	w.client.Handle(kind, func(ctx context.Context, env frame.Envelope) {
		if !w.owned(env) {
			return
		}
		w.handlers.Add(1)
		go func() {
			defer w.handlers.Done()
			w.answer(ctx, env, fn)
		}()
	})
}

// HandleNotify registers fn for owned frames of kind that expect no reply.
// fn runs on the connection's read goroutine and must not block.
func (w *Window) HandleNotify(kind string, fn NotifyHandler) {
	w.client.Handle(kind, func(ctx context.Context, env frame.Envelope) {
		if !w.owned(env) {
			return
		}
		fn(ctx, env)
	})
}

// Sessions returns the owners currently known to be connected, sorted.
func (w *Window) Sessions() []int {
	return w.watcher.Registry().Snapshot()
}

// Registry exposes the discovery registry, mainly for change subscriptions.
func (w *Window) Registry() *registry.Registry {
	return w.watcher.Registry()
}

// Watcher exposes the discovery state.
func (w *Window) Watcher() *discovery.Watcher {
	return w.watcher
}

// Send writes a fire-and-forget frame.
func (w *Window) Send(kind string, owner int, payload any) error {
	return w.client.Send(kind, owner, payload)
}

// Request sends a request and waits for its reply.
func (w *Window) Request(ctx context.Context, kind string, owner int, payload any, wait bus.Wait) (json.RawMessage, error) {
	return w.client.Request(ctx, kind, owner, payload, wait)
}

// Close disconnects and waits for in-flight request handlers.
func (w *Window) Close(ctx context.Context) error {
	err := w.client.Close(ctx)
	done := make(chan struct{})
	go func() {
		w.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// owned reports whether env targets a shell this window hosts. Unaddressed
// frames and frames for other windows are dropped here.
func (w *Window) owned(env frame.Envelope) bool {
	if !env.Addressed() {
		return false
	}
	if !w.inventory.Owns(env.Owner) {
		w.logger.Debug("frame for another window dropped", logging.Args(logging.FrameAttrs(env.ID, env.Kind, env.Owner)...)...)
		return false
	}
	return true
}

func (w *Window) answer(ctx context.Context, env frame.Envelope, fn RequestHandler) {
	result, err := w.run(ctx, env, fn)
	if err != nil {
		w.logger.Debug("request handler failed",
			append(logging.Args(logging.FrameAttrs(env.ID, env.Kind, env.Owner)...), logging.Error(err))...)
	}
	if replyErr := w.client.Reply(env, result, err); replyErr != nil {
		logging.WarnWithContext(w.logger, "reply not delivered", "reply_failed",
			append(logging.FrameAttrs(env.ID, env.Kind, env.Owner),
				logging.Error(replyErr),
				logging.String(logging.FieldImpact, "the requesting session will time out or see a disconnect"),
			)...,
		)
	}
}

// run invokes fn, turning a panic into an error reply so the requester is
// never left waiting on a crashed handler.
func (w *Window) run(ctx context.Context, env frame.Envelope, fn RequestHandler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", env.Kind, r)
		}
	}()
	return fn(ctx, env)
}

func (w *Window) ping(_ context.Context, env frame.Envelope) (any, error) {
	return PingResult{WindowPID: w.pid, Owner: env.Owner}, nil
}
