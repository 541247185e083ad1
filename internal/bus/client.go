package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"termbus/internal/frame"
	"termbus/internal/logging"
)

const (
	defaultReconnectDelay    = 3 * time.Second
	defaultOutboxLimit       = 64
	defaultBackgroundTimeout = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
)

// Connector produces a fresh connection to the relay.
type Connector interface {
	Connect(ctx context.Context) (net.Conn, error)
}

// ConnectFunc adapts a function to Connector.
type ConnectFunc func(ctx context.Context) (net.Conn, error)

// Connect calls f.
func (f ConnectFunc) Connect(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// Handler receives frames of one kind that were not replies to this
// client's own requests. Handlers run on the connection's read goroutine and
// must not block; long work belongs in its own goroutine.
type Handler func(ctx context.Context, env frame.Envelope)

// Options configures a Client.
type Options struct {
	Connector Connector
	// Socket, when set, is watched so a recreated relay ends the reconnect
	// delay early.
	Socket            string
	ReconnectDelay    time.Duration
	OutboxLimit       int
	MaxFrameBytes     int
	BackgroundTimeout time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

type outboxEntry struct {
	line []byte
	// callID is set for request frames so overflow can fail the caller.
	callID string
}

// Client is a long-lived relay connection with reconnect, an offline outbox,
// kind dispatch and request correlation.
type Client struct {
	opts    Options
	logger  *slog.Logger
	pending *pendingTable

	// mu guards connection state and the outbox. writeMu serializes writes;
	// it is taken while holding mu so a flush on reconnect is never
	// overtaken by a later send.
	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      net.Conn
	outbox    []outboxEntry
	connected chan struct{}
	closed    bool

	handlerMu    sync.RWMutex
	handlers     map[string][]Handler
	onConnect    []func(context.Context)
	onDisconnect []func()

	isConnected atomic.Bool
	started     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	wake        chan struct{}
}

// NewClient builds a client. Call Start to begin connecting.
func NewClient(opts Options) (*Client, error) {
	if opts.Connector == nil {
		return nil, errors.New("bus client requires a connector")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.OutboxLimit <= 0 {
		opts.OutboxLimit = defaultOutboxLimit
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = frame.DefaultMaxLineBytes
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = defaultBackgroundTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Client{
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "bus"),
		pending:   newPendingTable(),
		connected: make(chan struct{}),
		handlers:  make(map[string][]Handler),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Handle registers fn for frames of kind. Several handlers may share a kind;
// they run in registration order.
func (c *Client) Handle(kind string, fn Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

// OnConnect registers fn to run after every (re)connect, once the outbox has
// been flushed and before any inbound frame is dispatched. WaitConnected
// returns only after these hooks have run.
func (c *Client) OnConnect(fn func(context.Context)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run after every connection loss, after
// pending requests have been failed.
func (c *Client) OnDisconnect(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Start begins the connect loop. It returns immediately; the client keeps
// reconnecting until Close or until ctx ends.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("bus client already started")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if c.opts.Socket != "" {
		c.watchSocket(runCtx, c.opts.Socket)
	}
	go c.run(runCtx)
	return nil
}

// Connected reports whether the client currently holds a relay connection.
func (c *Client) Connected() bool {
	return c.isConnected.Load()
}

// WaitConnected blocks until the client is connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Send writes a fire-and-forget frame. While disconnected the frame is kept
// in the outbox, dropping the oldest entry when full.
func (c *Client) Send(kind string, owner int, payload any) error {
	env, err := frame.New(kind, owner, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// SendEnvelope writes a prebuilt frame.
func (c *Client) SendEnvelope(env frame.Envelope) error {
	line, err := frame.Encode(env)
	if err != nil {
		return err
	}
	return c.write(outboxEntry{line: line})
}

// Reply answers req. A non-nil handlerErr is delivered to the requester as
// a RemoteError.
func (c *Client) Reply(req frame.Envelope, result any, handlerErr error) error {
	env, err := frame.NewResponse(req.ID, result, handlerErr)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// Call sends a request and returns its handle without waiting.
func (c *Client) Call(kind string, owner int, payload any, wait Wait) (*Call, error) {
	return c.CallWithID(frame.NewID(), kind, owner, payload, wait)
}

// CallWithID is Call with a caller-chosen id. An id that is already pending
// is rejected with ErrDuplicateID.
func (c *Client) CallWithID(id, kind string, owner int, payload any, wait Wait) (*Call, error) {
	env, err := frame.New(kind, owner, payload)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("request id is required")
	}
	env.ID = id
	line, err := frame.Encode(env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	call := newCall(id, env.Kind, owner, wait, c.pending, c.logger)
	if err := c.pending.register(call); err != nil {
		return nil, err
	}
	call.armTimeout(wait.resolve(c.opts.BackgroundTimeout))

	if err := c.write(outboxEntry{line: line, callID: id}); err != nil {
		c.pending.fail(id, err)
	}
	return call, nil
}

// Request sends a request and waits for its reply. Canceling ctx abandons
// the request.
func (c *Client) Request(ctx context.Context, kind string, owner int, payload any, wait Wait) (json.RawMessage, error) {
	call, err := c.Call(kind, owner, payload, wait)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Close stops reconnecting, closes the connection and fails every pending
// request with ErrClosed. Frames still in the outbox are discarded.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.outbox = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if c.started.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.pending.failAll(ErrClosed)
	return nil
}

func (c *Client) write(entry outboxEntry) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.pushOutboxLocked(entry)
		c.mu.Unlock()
		return nil
	}
	c.writeMu.Lock()
	c.mu.Unlock()
	err := c.writeLine(conn, entry.line)
	c.writeMu.Unlock()
	if err != nil {
		// The read loop notices the closed connection and runs loss handling.
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) writeLine(conn net.Conn, line []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(line)
	return err
}

func (c *Client) pushOutboxLocked(entry outboxEntry) {
	if len(c.outbox) >= c.opts.OutboxLimit {
		dropped := c.outbox[0]
		c.outbox = append(c.outbox[:0], c.outbox[1:]...)
		if dropped.callID != "" {
			c.pending.fail(dropped.callID, fmt.Errorf("%w: %s", ErrOutboxOverflow, dropped.callID))
		}
		c.logger.Debug("outbox full, dropped oldest frame",
			logging.Int("outbox_limit", c.opts.OutboxLimit),
			logging.String(logging.FieldEventType, "outbox_overflow"),
		)
	}
	c.outbox = append(c.outbox, entry)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	failures := 0
	for {
		conn, err := c.opts.Connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 {
				logging.WarnWithContext(c.logger, "relay unavailable, will retry", "relay_connect_failed",
					logging.Error(err),
					logging.Duration("retry_in", c.opts.ReconnectDelay),
					logging.String(logging.FieldImpact, "frames are buffered and requests wait in the outbox"),
					logging.String(logging.FieldErrorHint, "run termbus status to inspect the relay socket"),
				)
			} else {
				c.logger.Debug("relay still unavailable", logging.Error(err), logging.Int("attempt", failures))
			}
			if !c.waitReconnect(ctx) {
				return
			}
			continue
		}
		failures = 0
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !c.waitReconnect(ctx) {
			return
		}
	}
}

// serve owns conn until it fails.
func (c *Client) serve(ctx context.Context, conn net.Conn) {
	if !c.attach(conn) {
		_ = conn.Close()
		return
	}
	c.logger.Info("connected to relay", logging.String(logging.FieldEventType, "relay_connected"))

	c.handlerMu.RLock()
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.handlerMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	c.markConnected(conn)

	c.readLoop(ctx, conn)
	c.detach(conn)
}

// attach installs conn and flushes the outbox ahead of any new write.
func (c *Client) attach(conn net.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	queued := c.outbox
	c.outbox = nil
	c.writeMu.Lock()
	c.mu.Unlock()

	flushed := 0
	for _, entry := range queued {
		if entry.callID != "" && !c.pending.has(entry.callID) {
			continue
		}
		if err := c.writeLine(conn, entry.line); err != nil {
			_ = conn.Close()
			break
		}
		flushed++
	}
	c.writeMu.Unlock()
	if flushed > 0 {
		c.logger.Debug("flushed outbox", logging.Int("frames", flushed))
	}
	return true
}

// markConnected releases WaitConnected callers once connect hooks have run.
func (c *Client) markConnected(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && !c.isConnected.Load() {
		c.isConnected.Store(true)
		close(c.connected)
	}
}

func (c *Client) detach(conn net.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
	}
	if c.isConnected.Swap(false) {
		c.connected = make(chan struct{})
	}
	closed := c.closed
	// Failing under mu keeps requests issued after the loss, which go to
	// the outbox, out of this sweep.
	failed := 0
	if !closed {
		failed = c.pending.failAll(ErrDisconnected)
	}
	c.mu.Unlock()

	if closed {
		return
	}
	c.logger.Info("relay connection lost",
		logging.String(logging.FieldEventType, "relay_disconnected"),
		logging.Int("failed_requests", failed),
	)

	c.handlerMu.RLock()
	hooks := append([]func(){}, c.onDisconnect...)
	c.handlerMu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	reader := frame.NewReader(conn, c.opts.MaxFrameBytes)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, frame.ErrLineTooLong) {
				c.logger.Debug("dropped over-long inbound line", logging.Error(err))
				continue
			}
			return
		}
		env, err := frame.Decode(line)
		if err != nil {
			c.logger.Debug("dropped malformed inbound frame", logging.Error(err))
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch hands env to exactly one place: the pending request it answers,
// or else the handlers for its kind.
func (c *Client) dispatch(ctx context.Context, env frame.Envelope) {
	if c.pending.resolve(env) {
		return
	}
	c.handlerMu.RLock()
	handlers := c.handlers[env.Kind]
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ctx, env)
	}
}

func (c *Client) waitReconnect(ctx context.Context) bool {
	select {
	case <-c.wake:
	default:
	}
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-c.wake:
		c.logger.Debug("relay socket created, reconnecting early")
		return true
	}
}
