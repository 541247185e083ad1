package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"termbus/internal/frame"
	"termbus/internal/logging"
)

// ReadyMarker is written to the relay's stdout, followed by a newline, once
// the socket is bound and before the first client is accepted.
const ReadyMarker = "TERMBUS_RELAY_READY"

// ExitAddressInUse is the process exit status of a relay that lost the race
// for its address.
const ExitAddressInUse = 3

// ErrAddressInUse reports that another relay already owns the socket.
var ErrAddressInUse = errors.New("relay address in use")

const (
	defaultIdleGrace    = 30 * time.Second
	defaultQueueDepth   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Options configures a relay.
type Options struct {
	Socket        string
	IdleGrace     time.Duration
	QueueDepth    int
	WriteTimeout  time.Duration
	MaxFrameBytes int
	// MetricsBind, when non-empty, serves Prometheus metrics at /metrics.
	MetricsBind string
	// Ready receives ReadyMarker once the socket is bound. Nil skips it.
	Ready io.Writer
	// OnRelease runs after the socket is removed and before the lock is
	// released.
	OnRelease func()
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.IdleGrace <= 0 {
		o.IdleGrace = defaultIdleGrace
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = frame.DefaultMaxLineBytes
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// Stats is a point-in-time view of relay activity.
type Stats struct {
	Clients       int
	Relayed       uint64
	Delivered     uint64
	Malformed     uint64
	SlowConsumers uint64
}

// Server is a bound relay. Create one with Listen and run it with Serve.
type Server struct {
	opts     Options
	logger   *slog.Logger
	lock     *flock.Flock
	listener net.Listener
	metrics  *metrics

	mu        sync.Mutex
	closed    bool
	clients   map[uint64]*client
	idleTimer *time.Timer
	idleGen   uint64
	idle      chan struct{}
	idleOnce  sync.Once

	nextID    atomic.Uint64
	relayed   atomic.Uint64
	delivered atomic.Uint64
	malformed atomic.Uint64
	slow      atomic.Uint64

	wg          sync.WaitGroup
	readyOnce   sync.Once
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// Listen claims the relay address. It fails with ErrAddressInUse when another
// relay holds the lock for the same socket.
func Listen(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	if opts.Socket == "" {
		return nil, errors.New("relay socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Socket), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	lock := flock.New(opts.Socket + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, opts.Socket)
	}

	// Holding the lock means any socket file left behind belongs to a dead relay.
	if err := os.Remove(opts.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = lock.Unlock()
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", opts.Socket)
	if err != nil {
		_ = lock.Unlock()
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, opts.Socket)
		}
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		lock:     lock,
		listener: listener,
		metrics:  newMetrics(),
		clients:  make(map[uint64]*client),
		idle:     make(chan struct{}),
	}, nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.opts.Socket
}

// Serve announces readiness, then relays frames until ctx is canceled or the
// relay has been idle for the grace period. Both are clean exits and return
// nil. The socket is removed and the lock released before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.signalReady()
	s.logger.Info("relay listening",
		logging.String(logging.FieldSocket, s.opts.Socket),
		logging.Duration("idle_grace", s.opts.IdleGrace),
		logging.Int("queue_depth", s.opts.QueueDepth),
	)

	s.mu.Lock()
	s.armIdleLocked()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.idle:
			s.logger.Info("relay idle, shutting down",
				logging.String(logging.FieldEventType, "relay_idle_shutdown"),
				logging.Duration("idle_grace", s.opts.IdleGrace),
			)
		}
		cancel()
		s.shutdown()
		return nil
	})
	if s.opts.MetricsBind != "" {
		s.serveMetrics(gctx, g)
	}

	err := g.Wait()
	s.wg.Wait()
	s.release()
	return err
}

// Close stops the relay. It is safe to call without Serve, for example after
// Listen in tests.
func (s *Server) Close() error {
	s.shutdown()
	s.wg.Wait()
	s.release()
	return nil
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	return Stats{
		Clients:       clients,
		Relayed:       s.relayed.Load(),
		Delivered:     s.delivered.Load(),
		Malformed:     s.malformed.Load(),
		SlowConsumers: s.slow.Load(),
	}
}

func (s *Server) signalReady() {
	if s.opts.Ready == nil {
		return
	}
	s.readyOnce.Do(func() {
		if _, err := fmt.Fprintln(s.opts.Ready, ReadyMarker); err != nil {
			s.logger.Warn("readiness marker not written",
				logging.Error(err),
				logging.String(logging.FieldEventType, "relay_ready_write_failed"),
				logging.String(logging.FieldImpact, "the spawning client will wait for its ready timeout"),
			)
		}
	})
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	c := newClient(s.nextID.Add(1), conn, s.opts.QueueDepth)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	count := len(s.clients)
	s.disarmIdleLocked()
	s.mu.Unlock()

	s.metrics.clients.Set(float64(count))
	s.logger.Debug("client connected",
		logging.Uint64(logging.FieldConnID, c.id),
		logging.Int("clients", count),
	)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
		s.removeClient(c)
	}()
}

func (s *Server) removeClient(c *client) {
	c.close()

	s.mu.Lock()
	delete(s.clients, c.id)
	count := len(s.clients)
	if count == 0 && !s.closed {
		s.armIdleLocked()
	}
	s.mu.Unlock()

	s.metrics.clients.Set(float64(count))
	s.logger.Debug("client disconnected",
		logging.Uint64(logging.FieldConnID, c.id),
		logging.Int("clients", count),
	)
}

func (s *Server) readLoop(c *client) {
	reader := frame.NewReader(c.conn, s.opts.MaxFrameBytes)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, frame.ErrLineTooLong) {
				s.dropMalformed(c, err)
				continue
			}
			return
		}
		if err := frame.CheckSyntax(line); err != nil {
			s.dropMalformed(c, err)
			continue
		}
		msg := make([]byte, len(line)+1)
		copy(msg, line)
		msg[len(line)] = '\n'
		s.broadcast(c, msg)
	}
}

func (s *Server) dropMalformed(c *client, err error) {
	s.malformed.Add(1)
	s.metrics.malformed.Inc()
	if !c.logLimiter.Allow() {
		return
	}
	s.logger.Warn("dropped malformed line",
		logging.Uint64(logging.FieldConnID, c.id),
		logging.Error(err),
		logging.String(logging.FieldEventType, "relay_malformed_line"),
		logging.String(logging.FieldImpact, "the line was not relayed; the connection stays open"),
		logging.String(logging.FieldErrorHint, "check the sending client's framing"),
	)
}

// broadcast queues msg for every client except the sender. A client whose
// queue is full is disconnected instead of stalling the others.
func (s *Server) broadcast(from *client, msg []byte) {
	s.relayed.Add(1)
	s.metrics.relayed.Inc()

	var slow []*client
	s.mu.Lock()
	for id, c := range s.clients {
		if id == from.id {
			continue
		}
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.slow.Add(1)
		s.metrics.slowConsumers.Inc()
		logging.WarnWithContext(s.logger, "disconnecting slow consumer", "relay_slow_consumer",
			logging.Uint64(logging.FieldConnID, c.id),
			logging.Int("queue_depth", s.opts.QueueDepth),
			logging.String(logging.FieldImpact, "the client reconnects and misses frames sent meanwhile"),
			logging.String(logging.FieldErrorHint, "raise relay.queue_depth if this repeats"),
		)
		c.close()
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case msg := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				c.close()
				return
			}
			if _, err := c.conn.Write(msg); err != nil {
				s.logger.Debug("client write failed",
					logging.Uint64(logging.FieldConnID, c.id),
					logging.Error(err),
				)
				c.close()
				return
			}
			s.delivered.Add(1)
			s.metrics.delivered.Inc()
		case <-c.done:
			return
		}
	}
}

// armIdleLocked starts the idle countdown. Each arming bumps a generation so
// a timer that fires after a client reconnected does nothing.
func (s *Server) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.opts.IdleGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.idleGen || len(s.clients) > 0 {
			return
		}
		s.idleOnce.Do(func() { close(s.idle) })
	})
}

func (s *Server) disarmIdleLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Server) shutdown() {
	s.closeOnce.Do(func() {
		_ = s.listener.Close()
		s.mu.Lock()
		s.closed = true
		s.disarmIdleLocked()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()
		for _, c := range clients {
			c.close()
		}
	})
}

func (s *Server) release() {
	s.releaseOnce.Do(s.releaseAddress)
}

func (s *Server) releaseAddress() {
	if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove socket",
			logging.String(logging.FieldSocket, s.opts.Socket),
			logging.Error(err),
			logging.String(logging.FieldEventType, "relay_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "the next relay removes the stale socket on start"),
		)
	}
	if s.opts.OnRelease != nil {
		s.opts.OnRelease()
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("failed to release relay lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "relay_unlock_failed"),
		)
	}
}
