package rcon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zomboidtools/panelctl/internal/events"
)

func testOptions(addr string) Options {
	return Options{
		Addr:                    addr,
		Password:                "secret",
		AuthTimeout:             2 * time.Second,
		ProbeTimeout:            time.Second,
		ReconnectInitialBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff:     50 * time.Millisecond,
		ReconnectMaxAttempts:    5,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionManager_SingleFlightConnect(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)
	srv.authGate = make(chan struct{})

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background())
		}(i)
	}

	// Let the first attempt reach the server, then release the handshake.
	waitFor(t, "handshake to start", func() bool { return srv.auths.Load() == 1 })
	srv.authGate <- struct{}{}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: Connect() error = %v", i, err)
		}
	}
	if got := srv.auths.Load(); got != 1 {
		t.Fatalf("server saw %d handshakes, want exactly 1", got)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
}

func TestSessionManager_ForceResetDiscardsInflightConnect(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)
	srv.authGate = make(chan struct{})

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	waitFor(t, "handshake to start", func() bool { return srv.auths.Load() == 1 })
	m.ForceResetConnectionState()
	// Let the stalled handshake finish successfully on the wire; its result
	// must still be discarded.
	srv.authGate <- struct{}{}

	err := <-done
	if err == nil {
		t.Fatal("stale connect reported success after a forced reset")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected after reset", m.State())
	}
	if m.currentClient() != nil {
		t.Fatal("reset left a zombie client behind")
	}
}

func TestSessionManager_ExecuteReconnectsAndRetriesOnce(t *testing.T) {
	srv := newRCONTestServer(t, "secret", func(cmd string) string {
		return "ok: " + cmd
	})

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Server drops the connection on the next command; Execute must mark
	// disconnected, reconnect, and retry exactly once.
	srv.dropNextCommand.Store(true)
	out, err := m.Execute(context.Background(), "players")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "ok: players" {
		t.Fatalf("Execute() = %q", out)
	}
	if got := srv.auths.Load(); got != 2 {
		t.Fatalf("server saw %d handshakes, want 2 (initial + reconnect)", got)
	}
}

func TestSessionManager_ExecuteConnectsFirst(t *testing.T) {
	srv := newRCONTestServer(t, "secret", func(cmd string) string { return "pong" })

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	out, err := m.Execute(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "pong" {
		t.Fatalf("Execute() = %q", out)
	}
}

func TestSessionManager_ExecuteFriendlyErrorWhenDown(t *testing.T) {
	m := NewSessionManager(testOptions("127.0.0.1:1")) // nothing listens here
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := m.Execute(ctx, "players")
	if err == nil {
		t.Fatal("expected error executing against a dead server")
	}
	if !strings.Contains(err.Error(), "Cannot connect to server") {
		t.Fatalf("error lacks friendly message: %v", err)
	}
}

func TestSessionManager_AuthFailureNotRetried(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)

	opts := testOptions(srv.Addr())
	opts.Password = "wrong"
	m := NewSessionManager(opts)
	defer m.Stop()

	err := m.Reconnect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Reconnect() error = %v, want ErrAuthFailed", err)
	}
	if got := srv.auths.Load(); got != 1 {
		t.Fatalf("auth failure was retried: %d handshakes", got)
	}
}

func TestSessionManager_StartingGuardSuspendsReconnect(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	m.SetStartingGuard(time.Minute)
	err := m.Reconnect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "starting") {
		t.Fatalf("Reconnect() under guard = %v, want starting-guard abort", err)
	}
	if srv.auths.Load() != 0 {
		t.Fatal("guarded reconnect still dialed the server")
	}

	m.ClearStartingGuard()
	if m.StartingGuardActive() {
		t.Fatal("guard still active after clear")
	}
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() after clear = %v", err)
	}
}

func TestSessionManager_StartingGuardExpires(t *testing.T) {
	m := NewSessionManager(testOptions("127.0.0.1:1"))
	defer m.Stop()

	m.SetStartingGuard(20 * time.Millisecond)
	if !m.StartingGuardActive() {
		t.Fatal("guard should be active immediately after set")
	}
	waitFor(t, "guard expiry", func() bool { return !m.StartingGuardActive() })
}

func TestSessionManager_ResetAbortsReconnect(t *testing.T) {
	// Nothing listens on the address, so the reconnect loop keeps backing
	// off until the reset bumps the version out from under it.
	opts := testOptions("127.0.0.1:1")
	opts.ReconnectMaxAttempts = 50
	opts.ReconnectInitialBackoff = 20 * time.Millisecond
	m := NewSessionManager(opts)
	defer m.Stop()

	done := make(chan error, 1)
	go func() { done <- m.Reconnect(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	m.ForceResetConnectionState()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "reset") {
			t.Fatalf("Reconnect() = %v, want reset abort", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect did not abort after reset")
	}
}

func TestSessionManager_HealthLoopResetsAfterThreshold(t *testing.T) {
	srv := newRCONTestServer(t, "secret", func(cmd string) string { return "" })

	opts := testOptions(srv.Addr())
	opts.HealthInterval = 10 * time.Millisecond
	opts.HealthFailureThreshold = 2
	opts.ProbeTimeout = 200 * time.Millisecond
	m := NewSessionManager(opts)
	defer m.Stop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before := m.Version()

	// The server stops answering probes. After the failure threshold the
	// loop must force-reset the connection and reconnect in the background.
	srv.dropCommands.Store(true)
	m.Start()

	waitFor(t, "forced reset", func() bool { return m.Version() > before })

	srv.dropCommands.Store(false)
	waitFor(t, "background reconnect", func() bool { return m.State() == StateConnected })
	if got := srv.auths.Load(); got < 2 {
		t.Fatalf("server saw %d handshakes, want at least 2", got)
	}
}

func TestSessionManager_ExecuteSurfacesAuthFailureOnReconnect(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The credentials stop working between the transport failure and the
	// reconnect; the auth error must come through, not a connectivity hint.
	m.dialFn = func(context.Context, string, string, time.Duration) (*Client, error) {
		return nil, ErrAuthFailed
	}
	srv.dropNextCommand.Store(true)

	_, err := m.Execute(context.Background(), "players")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Execute() error = %v, want ErrAuthFailed", err)
	}
	if strings.Contains(err.Error(), "Cannot connect") {
		t.Fatalf("auth failure masked as connectivity: %v", err)
	}
}

func TestSessionManager_HealthCheck(t *testing.T) {
	srv := newRCONTestServer(t, "secret", func(cmd string) string { return "" })

	m := NewSessionManager(testOptions(srv.Addr()))
	defer m.Stop()

	if h := m.HealthCheck(context.Background()); h.Healthy {
		t.Fatal("disconnected session reported healthy")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h := m.HealthCheck(context.Background()); !h.Healthy {
		t.Fatalf("connected session unhealthy: %s", h.Reason)
	}
}

func TestSessionManager_ConnectPublishesEvents(t *testing.T) {
	srv := newRCONTestServer(t, "secret", nil)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4, events.TopicRconConnected, events.TopicRconDisconnected)
	defer cancel()

	opts := testOptions(srv.Addr())
	opts.Bus = bus
	m := NewSessionManager(opts)
	defer m.Stop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Topic != events.TopicRconConnected {
			t.Fatalf("first event = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event published")
	}

	m.Disconnect()
	select {
	case ev := <-ch:
		if ev.Topic != events.TopicRconDisconnected {
			t.Fatalf("second event = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnected event published")
	}
}
