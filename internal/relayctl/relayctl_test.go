package relayctl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termbus/internal/relay"
	"termbus/internal/relayctl"
)

func TestSocketPathIsDeterministicPerHost(t *testing.T) {
	a := relayctl.SocketPath("/run/termbus", "1234")
	b := relayctl.SocketPath("/run/termbus", "1234")
	c := relayctl.SocketPath("/run/termbus", "5678")
	if a != b {
		t.Fatalf("same host produced %q and %q", a, b)
	}
	if a == c {
		t.Fatalf("different hosts share socket %q", a)
	}
	base := filepath.Base(a)
	if !strings.HasPrefix(base, "termbus-") || !strings.HasSuffix(base, ".sock") || len(base) != len("termbus-")+16+len(".sock") {
		t.Fatalf("unexpected socket name %q", base)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(relayctl.EnvSocket, "")
	t.Setenv(relayctl.EnvHostID, "")

	if _, err := relayctl.Resolve("/run", "", "", 0); !errors.Is(err, relayctl.ErrNoHost) {
		t.Fatalf("expected ErrNoHost, got %v", err)
	}

	addr, err := relayctl.Resolve("/run", "", "", 99)
	if err != nil || addr.Socket != relayctl.SocketPath("/run", "99") || addr.HostID != "99" {
		t.Fatalf("pid fallback = %+v, %v", addr, err)
	}

	t.Setenv(relayctl.EnvHostID, "env-host")
	addr, _ = relayctl.Resolve("/run", "", "", 99)
	if addr.HostID != "env-host" {
		t.Fatalf("env host should beat pid fallback, got %+v", addr)
	}
	addr, _ = relayctl.Resolve("/run", "", "flag-host", 99)
	if addr.HostID != "flag-host" {
		t.Fatalf("explicit host should win, got %+v", addr)
	}

	t.Setenv(relayctl.EnvSocket, "/tmp/env.sock")
	addr, _ = relayctl.Resolve("/run", "", "flag-host", 0)
	if addr.Socket != "/tmp/env.sock" {
		t.Fatalf("env socket should beat derived path, got %+v", addr)
	}
	addr, _ = relayctl.Resolve("/run", "/tmp/flag.sock", "", 0)
	if addr.Socket != "/tmp/flag.sock" {
		t.Fatalf("explicit socket should win, got %+v", addr)
	}

	env := addr.Env()
	if len(env) != 2 || env[0] != "TERMBUS_SOCKET=/tmp/flag.sock" || env[1] != "TERMBUS_HOST_ID=env-host" {
		t.Fatalf("Env() = %v", env)
	}
}

func TestConnectWithoutSpawnerReportsUnavailable(t *testing.T) {
	c := &relayctl.Connector{Socket: filepath.Join(t.TempDir(), "none.sock")}
	_, err := c.Connect(context.Background())
	if err == nil || !relayctl.IsRelayUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

// inProcessSpawner starts relays inside the test process. It waits for all
// expected callers before binding so concurrent spawns really race.
type inProcessSpawner struct {
	t        *testing.T
	barrier  sync.WaitGroup
	bound    atomic.Int32
	lost     atomic.Int32
	mu       sync.Mutex
	servers  []*relay.Server
	spawnErr error
}

func newInProcessSpawner(t *testing.T, callers int) *inProcessSpawner {
	s := &inProcessSpawner{t: t}
	s.barrier.Add(callers)
	return s
}

func (s *inProcessSpawner) Spawn(ctx context.Context, socket string) error {
	s.barrier.Done()
	s.barrier.Wait()
	if s.spawnErr != nil {
		return s.spawnErr
	}
	srv, err := relay.Listen(relay.Options{Socket: socket})
	if err != nil {
		if errors.Is(err, relay.ErrAddressInUse) {
			s.lost.Add(1)
		}
		return err
	}
	s.bound.Add(1)
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(serveCtx)
		close(done)
	}()
	s.t.Cleanup(func() {
		cancel()
		<-done
	})
	return nil
}

func TestConnectSpawnsRelayWhenAbsent(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "r.sock")
	spawner := newInProcessSpawner(t, 1)
	c := &relayctl.Connector{Socket: socket, Spawner: spawner}

	conn, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	if spawner.bound.Load() != 1 {
		t.Fatalf("expected one relay bound, got %d", spawner.bound.Load())
	}

	// A relay is now listening, so a second connect must not spawn.
	again := &relayctl.Connector{Socket: socket, Spawner: relayctl.SpawnFunc(func(context.Context, string) error {
		t.Fatal("unexpected spawn with relay already listening")
		return nil
	})}
	conn2, err := again.Connect(context.Background())
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	_ = conn2.Close()
}

func TestConcurrentSpawnersConvergeOnOneRelay(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "r.sock")
	spawner := newInProcessSpawner(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &relayctl.Connector{Socket: socket, Spawner: spawner, WaitTimeout: 3 * time.Second}
			conn, err := c.Connect(context.Background())
			errs[i] = err
			if err == nil {
				t.Cleanup(func() { _ = conn.Close() })
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}
	if spawner.bound.Load() != 1 || spawner.lost.Load() != 1 {
		t.Fatalf("bound=%d lost=%d, want exactly one winner", spawner.bound.Load(), spawner.lost.Load())
	}

	srv := spawner.servers[0]
	deadline := time.Now().Add(3 * time.Second)
	for srv.Stats().Clients != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients on surviving relay = %d, want 2", srv.Stats().Clients)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectSurfacesSpawnFailure(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "r.sock")
	boom := errors.New("exec format error")
	c := &relayctl.Connector{Socket: socket, Spawner: relayctl.SpawnFunc(func(context.Context, string) error {
		return boom
	})}
	if _, err := c.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected spawn error, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-relay")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecSpawnerOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		timeout time.Duration
		check   func(error) bool
	}{
		{"ready", "echo " + relay.ReadyMarker + "; sleep 1", time.Second, func(err error) bool { return err == nil }},
		{"lost race", "exit 3", time.Second, func(err error) bool { return errors.Is(err, relay.ErrAddressInUse) }},
		{"crashed", "exit 1", time.Second, func(err error) bool { return errors.Is(err, relayctl.ErrNotReady) }},
		{"silent", "sleep 1", 100 * time.Millisecond, func(err error) bool { return errors.Is(err, relayctl.ErrNotReady) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &relayctl.ExecSpawner{Executable: writeScript(t, tc.script), ReadyTimeout: tc.timeout}
			err := s.Spawn(context.Background(), filepath.Join(t.TempDir(), "r.sock"))
			if !tc.check(err) {
				t.Fatalf("Spawn error = %v", err)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "r.sock")
	up, _, err := relayctl.Probe(context.Background(), socket)
	if err != nil || up {
		t.Fatalf("Probe on missing socket = %v, %v", up, err)
	}

	spawner := newInProcessSpawner(t, 1)
	if err := spawner.Spawn(context.Background(), socket); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	up, _, err = relayctl.Probe(context.Background(), socket)
	if err != nil || !up {
		t.Fatalf("Probe on live relay = %v, %v", up, err)
	}
}
