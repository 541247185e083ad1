package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"termbus/internal/bus"
	"termbus/internal/config"
	"termbus/internal/frame"
	"termbus/internal/relay"
	"termbus/internal/session"
	"termbus/internal/window"
)

type cliTestEnv struct {
	socketPath string
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("TERMBUS_RUNTIME_DIR", "")
	t.Setenv("TERMBUS_SOCKET", "")
	t.Setenv("TERMBUS_HOST_ID", "")

	cfg := config.Default()
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Discovery.SettleMillis = 100
	data, err := config.Encode(&cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	configPath := filepath.Join(base, "config.toml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{
		socketPath: filepath.Join(base, "run", "test.sock"),
		configPath: configPath,
		baseDir:    base,
	}
}

func (env *cliTestEnv) startRelay(t *testing.T) *relay.Server {
	t.Helper()
	srv, err := relay.Listen(relay.Options{Socket: env.socketPath, IdleGrace: time.Minute})
	if err != nil {
		t.Fatalf("relay.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		<-exited
	})
	return srv
}

func (env *cliTestEnv) client(t *testing.T) *bus.Client {
	t.Helper()
	c, err := bus.NewClient(bus.Options{
		Connector: bus.ConnectFunc(func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", env.socketPath)
		}),
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func waitClients(t *testing.T, srv *relay.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Stats().Clients < n {
		if time.Now().After(deadline) {
			t.Fatalf("relay clients = %d, want %d", srv.Stats().Clients, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCLIRequestIsAnsweredByOwningWindow(t *testing.T) {
	env := setupCLITestEnv(t)
	srv := env.startRelay(t)

	w, err := window.New(window.Options{
		Client:    env.client(t),
		Inventory: window.InventoryFunc(func(pid int) bool { return pid == 4242 }),
	})
	if err != nil {
		t.Fatalf("window.New: %v", err)
	}
	w.HandleRequest("getSelection", func(_ context.Context, req frame.Envelope) (any, error) {
		var in map[string]int
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return nil, err
		}
		return map[string]any{"text": "hello", "line": in["line"]}, nil
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("window Start: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	waitClients(t, srv, 1)

	stdout, _, err := runCLI(t, []string{"request", "getSelection", `{"line":3}`, "--owner", "4242", "--timeout", "2s"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if got["text"] != "hello" || got["line"] != float64(3) {
		t.Fatalf("unexpected reply %v", got)
	}
}

func TestCLIRequestTimesOutWithoutOwner(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startRelay(t)

	_, _, err := runCLI(t, []string{"request", "getSelection", "--owner", "99", "--timeout", "150ms"}, env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCLISendDeliversFrame(t *testing.T) {
	env := setupCLITestEnv(t)
	srv := env.startRelay(t)

	listener := env.client(t)
	got := make(chan frame.Envelope, 1)
	listener.Handle("note", func(_ context.Context, e frame.Envelope) { got <- e })
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitClients(t, srv, 1)

	if _, _, err := runCLI(t, []string{"send", "note", `{"a":1}`, "--owner", "12"}, env.socketPath, env.configPath); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case e := <-got:
		if e.Owner != 12 || string(e.Payload) != `{"a":1}` {
			t.Fatalf("unexpected frame %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestCLISessionsListsAnnouncedSessions(t *testing.T) {
	env := setupCLITestEnv(t)
	srv := env.startRelay(t)

	s, err := session.New(env.client(t), 4242, nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session Start: %v", err)
	}
	waitClients(t, srv, 1)

	stdout, _, err := runCLI(t, []string{"sessions", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var view sessionsView
	if err := json.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if view.State != "converged" || len(view.Sessions) != 1 || view.Sessions[0] != 4242 {
		t.Fatalf("unexpected view %+v", view)
	}

	stdout, _, err = runCLI(t, []string{"sessions"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("sessions table: %v", err)
	}
	if !strings.Contains(stdout, "4242") || !strings.Contains(stdout, "SHELL PID") {
		t.Fatalf("unexpected table output:\n%s", stdout)
	}
}

func TestCLIStatusReportsRelayState(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status without relay: %v", err)
	}
	if !strings.Contains(stdout, "not running") {
		t.Fatalf("expected not running, got:\n%s", stdout)
	}

	env.startRelay(t)
	stdout, _, err = runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status with relay: %v", err)
	}
	if !strings.Contains(stdout, "accepting connections") || !strings.Contains(stdout, env.socketPath) {
		t.Fatalf("unexpected status output:\n%s", stdout)
	}
}

func TestCLIConfigInitAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "fresh", "config.toml")

	stdout, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(stdout, target) {
		t.Fatalf("unexpected init output %q", stdout)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, ""); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}

	stdout, _, err = runCLI(t, []string{"config", "show"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(stdout, "settle_millis = 100") {
		t.Fatalf("config show missing custom value:\n%s", stdout)
	}
}

func TestParsePayload(t *testing.T) {
	if raw, err := parsePayload(nil, nil); err != nil || raw != nil {
		t.Fatalf("empty args = %s, %v", raw, err)
	}
	if raw, err := parsePayload([]string{` {"a":1} `}, nil); err != nil || string(raw) != `{"a":1}` {
		t.Fatalf("inline payload = %s, %v", raw, err)
	}
	if raw, err := parsePayload([]string{"-"}, strings.NewReader("[1,2]\n")); err != nil || string(raw) != "[1,2]" {
		t.Fatalf("stdin payload = %s, %v", raw, err)
	}
	if _, err := parsePayload([]string{"{nope"}, nil); err == nil {
		t.Fatal("expected invalid JSON to fail")
	}
}

func TestRenderStatusLine(t *testing.T) {
	plain := renderStatusLine(statusLine{Label: "Relay", Kind: statusError, Message: "refused"}, false)
	if !strings.Contains(plain, "Relay:") || !strings.HasSuffix(plain, "[ERROR] refused") {
		t.Fatalf("unexpected plain line %q", plain)
	}
	colored := renderStatusLine(statusLine{Label: "Relay", Kind: statusOK}, true)
	if !strings.HasPrefix(colored, ansiGreen) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("unexpected colored line %q", colored)
	}
}
