package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termbus/internal/bus"
	"termbus/internal/frame"
	"termbus/internal/relay"
)

type testRelay struct {
	srv    *relay.Server
	cancel context.CancelFunc
	exited chan struct{}
}

func startRelay(t *testing.T, socket string) *testRelay {
	t.Helper()
	srv, err := relay.Listen(relay.Options{Socket: socket, IdleGrace: time.Minute})
	if err != nil {
		t.Fatalf("relay.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &testRelay{srv: srv, cancel: cancel, exited: make(chan struct{})}
	go func() {
		_ = srv.Serve(ctx)
		close(r.exited)
	}()
	t.Cleanup(r.stop)
	return r
}

func (r *testRelay) stop() {
	r.cancel()
	<-r.exited
}

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "r.sock")
}

func dialer(socket string) bus.Connector {
	return bus.ConnectFunc(func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	})
}

func newClient(t *testing.T, socket string, mutate ...func(*bus.Options)) *bus.Client {
	t.Helper()
	opts := bus.Options{Connector: dialer(socket), ReconnectDelay: 50 * time.Millisecond}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := bus.NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func startConnected(t *testing.T, c *bus.Client) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitConnected(t, c)
}

func waitConnected(t *testing.T, c *bus.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
}

func waitClients(t *testing.T, r *testRelay, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.srv.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("relay clients = %d, want %d", r.srv.Stats().Clients, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoResponder(t *testing.T, socket string) *bus.Client {
	t.Helper()
	responder := newClient(t, socket)
	responder.Handle("echo", func(_ context.Context, env frame.Envelope) {
		_ = responder.Reply(env, env.Payload, nil)
	})
	responder.Handle("fail", func(_ context.Context, env frame.Envelope) {
		_ = responder.Reply(env, nil, errors.New("no editor focused"))
	})
	startConnected(t, responder)
	return responder
}

func TestRequestCorrelatesReplyByID(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)
	echoResponder(t, socket)
	requester := newClient(t, socket)
	startConnected(t, requester)
	waitClients(t, r, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := requester.Request(ctx, "echo", 4242, map[string]string{"text": "hi"}, bus.Background(0))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(result) != `{"text":"hi"}` {
		t.Fatalf("result = %s", result)
	}
	if requester.Pending() != 0 {
		t.Fatalf("pending = %d after reply", requester.Pending())
	}
}

func TestRemoteErrorSurfaces(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)
	echoResponder(t, socket)
	requester := newClient(t, socket)
	startConnected(t, requester)
	waitClients(t, r, 2)

	_, err := requester.Request(context.Background(), "fail", 1, nil, bus.Background(time.Second))
	var remote *bus.RemoteError
	if !errors.As(err, &remote) || remote.Message != "no editor focused" || remote.Kind != "fail" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestConcurrentRequestsResolveWithOwnReplies(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)

	const n = 32
	responder := newClient(t, socket)
	var mu sync.Mutex
	var held []frame.Envelope
	responder.Handle("lookup", func(_ context.Context, env frame.Envelope) {
		mu.Lock()
		held = append(held, env)
		ready := len(held) == n
		batch := held
		mu.Unlock()
		if !ready {
			return
		}
		// Answer in reverse arrival order.
		go func() {
			for i := len(batch) - 1; i >= 0; i-- {
				_ = responder.Reply(batch[i], batch[i].Payload, nil)
			}
		}()
	})
	startConnected(t, responder)

	requester := newClient(t, socket)
	startConnected(t, requester)
	waitClients(t, r, 2)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			result, err := requester.Request(ctx, "lookup", 7, i, bus.Background(5*time.Second))
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(result, &got); err != nil || got != i {
				errs <- fmt.Errorf("request %d got %s (%v)", i, result, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestBackgroundRequestTimesOut(t *testing.T) {
	socket := socketPath(t)
	startRelay(t, socket)
	requester := newClient(t, socket)
	startConnected(t, requester)

	start := time.Now()
	_, err := requester.Request(context.Background(), "nobody.home", 5, nil, bus.Background(100*time.Millisecond))
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if requester.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", requester.Pending())
	}
}

func TestImmediateTimeoutsCompleteEveryCall(t *testing.T) {
	socket := socketPath(t)
	startRelay(t, socket)
	echoResponder(t, socket)
	requester := newClient(t, socket)
	startConnected(t, requester)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 200; i++ {
		kind := "x"
		if i%2 == 0 {
			kind = "echo"
		}
		call, err := requester.Call(kind, 1, i, bus.Background(time.Nanosecond))
		if err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		if _, err := call.Wait(ctx); err != nil && !errors.Is(err, bus.ErrTimeout) {
			t.Fatalf("call %d: expected reply or ErrTimeout, got %v", i, err)
		}
	}
	if requester.Pending() != 0 {
		t.Fatalf("pending = %d after timeouts", requester.Pending())
	}
}

func TestInteractiveRequestWaitsUntilCanceled(t *testing.T) {
	socket := socketPath(t)
	startRelay(t, socket)
	requester := newClient(t, socket, func(o *bus.Options) { o.BackgroundTimeout = 50 * time.Millisecond })
	startConnected(t, requester)

	call, err := requester.Call("pick.file", 5, nil, bus.Interactive())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case <-call.Done():
		_, err := call.Result()
		t.Fatalf("interactive call completed early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	call.Cancel()
	<-call.Done()
	if _, err := call.Result(); !errors.Is(err, bus.ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if requester.Pending() != 0 {
		t.Fatalf("pending = %d after cancel", requester.Pending())
	}
}

func TestAbandonedRequestDropsLateReply(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)

	release := make(chan struct{})
	responder := newClient(t, socket)
	responder.Handle("slow", func(_ context.Context, env frame.Envelope) {
		go func() {
			<-release
			_ = responder.Reply(env, "late", nil)
		}()
	})
	startConnected(t, responder)

	requester := newClient(t, socket)
	var unexpected atomic.Int32
	requester.Handle(frame.KindResponse, func(context.Context, frame.Envelope) { unexpected.Add(1) })
	startConnected(t, requester)
	waitClients(t, r, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := requester.Request(ctx, "slow", 1, nil, bus.Interactive()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if requester.Pending() != 0 {
		t.Fatalf("pending = %d after abandonment", requester.Pending())
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for unexpected.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// The late reply matches no pending entry, so it falls through to kind
	// dispatch instead of completing anything.
	if unexpected.Load() != 1 {
		t.Fatalf("late reply dispatch count = %d, want 1", unexpected.Load())
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)
	requester := newClient(t, socket)
	disconnected := make(chan struct{}, 1)
	requester.OnDisconnect(func() {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})
	startConnected(t, requester)

	calls := make([]*bus.Call, 3)
	for i := range calls {
		call, err := requester.Call("pick.file", 9, nil, bus.Interactive())
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		calls[i] = call
	}
	r.stop()

	for i, call := range calls {
		select {
		case <-call.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("call %d not failed after disconnect", i)
		}
		if _, err := call.Result(); !errors.Is(err, bus.ErrDisconnected) {
			t.Fatalf("call %d error = %v, want ErrDisconnected", i, err)
		}
	}
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect hook did not run")
	}
}

func TestOutboxFlushesInOrderOnConnect(t *testing.T) {
	socket := socketPath(t)
	var open atomic.Bool
	gated := bus.ConnectFunc(func(ctx context.Context) (net.Conn, error) {
		if !open.Load() {
			return nil, errors.New("relay unavailable")
		}
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	})
	sender := newClient(t, socket, func(o *bus.Options) { o.Connector = gated })
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := sender.Send("note", 0, i); err != nil {
			t.Fatalf("Send while disconnected: %v", err)
		}
	}

	r := startRelay(t, socket)
	peer, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	waitClients(t, r, 1)
	open.Store(true)
	waitConnected(t, sender)

	reader := frame.NewReader(peer, 0)
	for i := 0; i < 5; i++ {
		_ = peer.SetReadDeadline(time.Now().Add(3 * time.Second))
		line, err := reader.ReadLine()
		if err != nil {
			t.Fatalf("read flushed frame %d: %v", i, err)
		}
		env, err := frame.Decode(line)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(env.Payload) != fmt.Sprint(i) {
			t.Fatalf("frame %d payload = %s", i, env.Payload)
		}
	}
}

func TestOutboxOverflowFailsDroppedRequest(t *testing.T) {
	never := bus.ConnectFunc(func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("relay unavailable")
	})
	c, err := bus.NewClient(bus.Options{Connector: never, OutboxLimit: 2, ReconnectDelay: time.Hour})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close(context.Background())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := c.Call("a", 1, nil, bus.Interactive())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := c.Call("b", 1, nil, bus.Interactive()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := c.Call("c", 1, nil, bus.Interactive()); err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("oldest request not failed on overflow")
	}
	if _, err := first.Result(); !errors.Is(err, bus.ErrOutboxOverflow) {
		t.Fatalf("error = %v, want ErrOutboxOverflow", err)
	}
	if c.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", c.Pending())
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	socket := socketPath(t)
	startRelay(t, socket)
	c := newClient(t, socket)
	startConnected(t, c)

	if _, err := c.CallWithID("r1", "x", 1, nil, bus.Interactive()); err != nil {
		t.Fatalf("first CallWithID: %v", err)
	}
	if _, err := c.CallWithID("r1", "x", 1, nil, bus.Interactive()); !errors.Is(err, bus.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestDispatchPrefersPendingOverKindHandlers(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)

	requester := newClient(t, socket)
	var handled atomic.Int32
	requester.Handle("ping", func(context.Context, frame.Envelope) { handled.Add(1) })
	startConnected(t, requester)

	peer, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	waitClients(t, r, 2)

	call, err := requester.CallWithID("same-id", "ping", 3, nil, bus.Background(2*time.Second))
	if err != nil {
		t.Fatalf("CallWithID: %v", err)
	}
	// A frame of a handled kind that carries the pending id answers the call.
	if _, err := io.WriteString(peer, `{"id":"same-id","kind":"ping","owner":3,"payload":"pong"}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err := call.Wait(context.Background())
	if err != nil || string(result) != `"pong"` {
		t.Fatalf("Wait = %s, %v", result, err)
	}
	if handled.Load() != 0 {
		t.Fatalf("kind handler ran %d times for a correlated frame", handled.Load())
	}

	if _, err := io.WriteString(peer, `{"id":"other","kind":"ping","owner":3,"payload":null}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 1 {
		t.Fatalf("kind handler count = %d, want 1", handled.Load())
	}
}

func TestMalformedInboundFramesAreDropped(t *testing.T) {
	socket := socketPath(t)
	r := startRelay(t, socket)

	c := newClient(t, socket)
	got := make(chan string, 4)
	c.Handle("note", func(_ context.Context, env frame.Envelope) { got <- env.ID })
	startConnected(t, c)

	peer, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	waitClients(t, r, 2)

	// The relay drops the first line; the negative owner only fails on decode.
	_, _ = io.WriteString(peer, `{"kind":"note"}`+"\n")
	_, _ = io.WriteString(peer, `{"id":"x","kind":"note","owner":-1}`+"\n")
	_, _ = io.WriteString(peer, `{"id":"good","kind":"note","owner":0,"payload":null}`+"\n")

	select {
	case id := <-got:
		if id != "good" {
			t.Fatalf("handler got %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid frame not dispatched")
	}
	if !c.Connected() {
		t.Fatal("client should stay connected")
	}
}

func TestReconnectsAfterRelayRestart(t *testing.T) {
	socket := socketPath(t)
	first := startRelay(t, socket)

	c := newClient(t, socket, func(o *bus.Options) { o.Socket = socket })
	var connects atomic.Int32
	c.OnConnect(func(context.Context) { connects.Add(1) })
	startConnected(t, c)

	first.stop()
	deadline := time.Now().Add(3 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("client still connected after relay stop")
	}

	startRelay(t, socket)
	waitConnected(t, c)
	if connects.Load() != 2 {
		t.Fatalf("connect hooks ran %d times, want 2", connects.Load())
	}
}

func TestCloseFailsPendingAndRejectsUse(t *testing.T) {
	socket := socketPath(t)
	startRelay(t, socket)
	c := newClient(t, socket)
	startConnected(t, c)

	call, err := c.Call("x", 1, nil, bus.Interactive())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-call.Done()
	if _, err := call.Result(); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("pending error = %v, want ErrClosed", err)
	}
	if err := c.Send("x", 0, nil); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Send after close = %v", err)
	}
	if _, err := c.Call("x", 0, nil, bus.Background(0)); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Call after close = %v", err)
	}
}

func TestWaitClasses(t *testing.T) {
	if bus.Background(0).IsInteractive() || !bus.Interactive().IsInteractive() {
		t.Fatal("wait class flags wrong")
	}
	if bus.Interactive().Timeout() != 0 {
		t.Fatal("interactive wait should be unbounded")
	}
	if got := bus.InteractiveWithin(time.Hour).Timeout(); got != time.Hour {
		t.Fatalf("InteractiveWithin timeout = %s", got)
	}
}
