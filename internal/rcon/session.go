package rcon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zomboidtools/panelctl/internal/events"
)

// State is the connection state of the session manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Health is the result of a health probe.
type Health struct {
	Healthy bool
	Reason  string
}

// Options configures a SessionManager. Zero durations and counts take the
// tuned defaults.
type Options struct {
	Addr     string
	Password string

	AuthTimeout             time.Duration // handshake deadline, default 10s
	ProbeCommand            string        // lightweight health probe, default "players"
	ProbeTimeout            time.Duration // default 5s
	HealthInterval          time.Duration // default 30s
	HealthFailureThreshold  int           // consecutive failures before reset, default 3
	ReconnectMaxAttempts    int           // default 30
	ReconnectInitialBackoff time.Duration // default 1s
	ReconnectMaxBackoff     time.Duration // default 30s
	StartingGuardTTL        time.Duration // guard failsafe expiry, default 5m

	Logger *slog.Logger
	Bus    *events.Bus
}

type attempt struct {
	done chan struct{}
	err  error
}

// SessionManager owns one authenticated RCON connection and keeps it alive:
// single-flight connects, version-guarded resets, reconnect with capped
// exponential backoff, and a periodic health probe.
type SessionManager struct {
	opts Options
	log  *slog.Logger

	// dialFn is swapped out by tests.
	dialFn func(ctx context.Context, addr, password string, timeout time.Duration) (*Client, error)

	mu             sync.Mutex
	state          State
	version        uint64
	client         *Client
	connecting     *attempt
	connectCancel  context.CancelFunc
	reconnecting   *attempt
	guardUntil     time.Time
	healthFailures int

	lastLogMu sync.Mutex
	lastLogAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionManager creates a stopped session manager. Call Start to run the
// background health loop; Connect/Execute work without it.
func NewSessionManager(opts Options) *SessionManager {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.ProbeCommand == "" {
		opts.ProbeCommand = "players"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthFailureThreshold <= 0 {
		opts.HealthFailureThreshold = 3
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 30
	}
	if opts.ReconnectInitialBackoff <= 0 {
		opts.ReconnectInitialBackoff = time.Second
	}
	if opts.ReconnectMaxBackoff <= 0 {
		opts.ReconnectMaxBackoff = 30 * time.Second
	}
	if opts.StartingGuardTTL <= 0 {
		opts.StartingGuardTTL = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		opts:   opts,
		log:    log.With("component", "rcon"),
		dialFn: Dial,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background health loop.
func (m *SessionManager) Start() {
	m.wg.Add(1)
	go m.healthLoop()
}

// Stop halts background work and drops the connection.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.Disconnect()
}

// State returns the current connection state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the current connection-state version. It increments on
// every forced reset; attempts started under an older version discard their
// results.
func (m *SessionManager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *SessionManager) currentClient() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Connect establishes and authenticates the connection. Concurrent callers
// while an attempt is in flight all await that single attempt's outcome.
func (m *SessionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if att := m.connecting; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &attempt{done: make(chan struct{})}
	m.connecting = att
	m.state = StateConnecting
	started := m.version
	dialCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.mu.Unlock()
	defer cancel()

	client, err := m.dialFn(dialCtx, m.opts.Addr, m.opts.Password, m.opts.AuthTimeout)

	m.mu.Lock()
	if err == nil && m.version != started {
		// A forced reset landed while the handshake was in flight. The
		// fresh socket must not resurrect the connection the reset tore
		// down.
		_ = client.Close()
		client = nil
		err = fmt.Errorf("connect superseded by reset: %w", ErrNotConnected)
	}
	if err == nil {
		m.client = client
		m.state = StateConnected
		m.healthFailures = 0
	} else if m.state == StateConnecting {
		m.state = StateDisconnected
	}
	m.connecting = nil
	m.connectCancel = nil
	att.err = err
	m.mu.Unlock()
	close(att.done)

	if err == nil {
		m.log.Info("connected", "addr", m.opts.Addr)
		m.publish(events.TopicRconConnected, m.opts.Addr)
	}
	return err
}

// Disconnect closes the connection without touching the version counter.
func (m *SessionManager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	if m.state != StateConnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if wasConnected {
		m.publish(events.TopicRconDisconnected, "disconnect")
	}
}

// ForceResetConnectionState bumps the version and tears down every socket,
// active and pending. An in-flight connect that was about to succeed will
// notice the version change and discard itself.
func (m *SessionManager) ForceResetConnectionState() {
	m.mu.Lock()
	m.version++
	wasConnected := m.state == StateConnected
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	if cancel := m.connectCancel; cancel != nil {
		cancel()
	}
	m.state = StateDisconnected
	m.healthFailures = 0
	m.mu.Unlock()

	m.log.Warn("connection state force-reset")
	if wasConnected {
		m.publish(events.TopicRconDisconnected, "force-reset")
	}
}

// Execute runs a command over the session, connecting first if needed. A
// transport failure mid-command marks the session disconnected, then does
// one reconnect and a single retry before surfacing a friendly error.
func (m *SessionManager) Execute(ctx context.Context, cmd string) (string, error) {
	if m.State() != StateConnected {
		if err := m.Connect(ctx); err != nil {
			return "", fmt.Errorf("%s: %w", FriendlyMessage(err), err)
		}
	}
	client := m.currentClient()
	if client == nil {
		return "", ErrNotConnected
	}

	out, err := client.Command(ctx, cmd)
	if err == nil {
		return out, nil
	}
	if !IsTransport(err) {
		// Malformed response; the connection itself is still usable.
		return "", err
	}

	m.markDisconnected(err)
	if rerr := m.Reconnect(ctx); rerr != nil {
		if errors.Is(rerr, ErrAuthFailed) {
			// The credentials changed out from under us; saying "cannot
			// connect" would send the operator chasing the wrong problem.
			return "", rerr
		}
		return "", fmt.Errorf("%s: %w", FriendlyMessage(err), err)
	}
	client = m.currentClient()
	if client == nil {
		return "", ErrNotConnected
	}
	out, err = client.Command(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %w", FriendlyMessage(err), err)
	}
	return out, nil
}

// Reconnect re-establishes the connection with capped exponential backoff.
// Single-flight like Connect. It aborts when the version changes (a reset
// occurred) or while the starting guard is active, and never retries an
// authentication failure.
func (m *SessionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if att := m.reconnecting; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &attempt{done: make(chan struct{})}
	m.reconnecting = att
	started := m.version
	m.mu.Unlock()

	err := m.reconnectLoop(ctx, started)

	m.mu.Lock()
	m.reconnecting = nil
	m.mu.Unlock()
	att.err = err
	close(att.done)
	return err
}

func (m *SessionManager) reconnectLoop(ctx context.Context, started uint64) error {
	backoff := m.opts.ReconnectInitialBackoff
	var lastErr error
	for i := 1; i <= m.opts.ReconnectMaxAttempts; i++ {
		if m.StartingGuardActive() {
			return errors.New("reconnect suspended: server is starting")
		}
		if m.Version() != started {
			return errors.New("reconnect aborted: connection state was reset")
		}

		err := m.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		lastErr = err
		m.throttledWarn("reconnect attempt failed", "attempt", i, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.opts.ReconnectMaxBackoff {
			backoff = m.opts.ReconnectMaxBackoff
		}
	}
	return fmt.Errorf("reconnect gave up after %d attempts: %w", m.opts.ReconnectMaxAttempts, lastErr)
}

// HealthCheck issues the lightweight probe command once and reports the
// outcome. The background loop calls this on a timer; callers may use it
// directly (the restart orchestrator probes before a restart).
func (m *SessionManager) HealthCheck(ctx context.Context) Health {
	client := m.currentClient()
	if client == nil {
		return Health{Healthy: false, Reason: "not connected"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	if _, err := client.Command(probeCtx, m.opts.ProbeCommand); err != nil {
		return Health{Healthy: false, Reason: err.Error()}
	}
	return Health{Healthy: true}
}

// SetStartingGuard suppresses the background reconnect loop for d (or the
// configured failsafe TTL when d <= 0). The restart orchestrator owns
// reconnection during the relaunch window.
func (m *SessionManager) SetStartingGuard(d time.Duration) {
	if d <= 0 {
		d = m.opts.StartingGuardTTL
	}
	m.mu.Lock()
	m.guardUntil = time.Now().Add(d)
	m.mu.Unlock()
}

// ClearStartingGuard lifts the guard before its failsafe expiry.
func (m *SessionManager) ClearStartingGuard() {
	m.mu.Lock()
	m.guardUntil = time.Time{}
	m.mu.Unlock()
}

// StartingGuardActive reports whether the guard is currently set.
func (m *SessionManager) StartingGuardActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Now().Before(m.guardUntil)
}

func (m *SessionManager) healthLoop() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		if m.StartingGuardActive() {
			continue
		}

		switch m.State() {
		case StateConnected:
			h := m.HealthCheck(ctx)
			m.mu.Lock()
			if h.Healthy {
				m.healthFailures = 0
				m.mu.Unlock()
				continue
			}
			m.healthFailures++
			failures := m.healthFailures
			m.mu.Unlock()

			m.log.Warn("health probe failed", "failures", failures, "reason", h.Reason)
			if failures >= m.opts.HealthFailureThreshold {
				m.ForceResetConnectionState()
				if err := m.Reconnect(ctx); err != nil {
					m.throttledWarn("background reconnect failed", "err", err)
				}
			}
		case StateDisconnected:
			if err := m.Reconnect(ctx); err != nil {
				m.throttledWarn("background reconnect failed", "err", err)
			}
		}
	}
}

func (m *SessionManager) markDisconnected(cause error) {
	m.mu.Lock()
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.throttledWarn("transport failure, marked disconnected", "err", cause)
	m.publish(events.TopicRconDisconnected, cause.Error())
}

// throttledWarn drops repeat warnings inside a 10s window so a flapping
// network cannot flood the log.
func (m *SessionManager) throttledWarn(msg string, args ...any) {
	m.lastLogMu.Lock()
	ok := time.Since(m.lastLogAt) > 10*time.Second
	if ok {
		m.lastLogAt = time.Now()
	}
	m.lastLogMu.Unlock()
	if ok {
		m.log.Warn(msg, args...)
	}
}

func (m *SessionManager) publish(topic events.Topic, payload any) {
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(topic, payload)
	}
}
