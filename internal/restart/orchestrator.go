// Package restart sequences a safe server restart across the RCON session,
// the process controller, and the session manager's starting guard.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zomboidtools/panelctl/internal/events"
	"github.com/zomboidtools/panelctl/internal/process"
	"github.com/zomboidtools/panelctl/internal/rcon"
)

// Phase is the orchestrator's position in the restart sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseVerifyingRcon
	PhaseWarning
	PhaseSaving
	PhaseStopping
	PhaseWaitingForDeath
	PhaseStarting
	PhaseWaitingForProcess
	PhaseReconnectingRcon
	PhaseDone
	PhaseRconPending
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseVerifyingRcon:
		return "verifying-rcon"
	case PhaseWarning:
		return "warning"
	case PhaseSaving:
		return "saving"
	case PhaseStopping:
		return "stopping"
	case PhaseWaitingForDeath:
		return "waiting-for-death"
	case PhaseStarting:
		return "starting"
	case PhaseWaitingForProcess:
		return "waiting-for-process"
	case PhaseReconnectingRcon:
		return "reconnecting-rcon"
	case PhaseDone:
		return "done"
	case PhaseRconPending:
		return "started-rcon-pending"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RconSession is the orchestrator's view of the RCON session manager.
type RconSession interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, cmd string) (string, error)
	HealthCheck(ctx context.Context) rcon.Health
	ForceResetConnectionState()
	SetStartingGuard(d time.Duration)
	ClearStartingGuard()
}

// Result reports how a restart ended.
type Result struct {
	Success    bool
	WasRunning bool
	Phase      Phase
	Elapsed    time.Duration
}

var (
	// ErrBusy rejects a restart while another is in flight.
	ErrBusy = errors.New("restart already in progress")
	// ErrCancelled reports a cooperative cancel before any destructive step.
	ErrCancelled = errors.New("restart cancelled")
)

// Options tunes the restart sequence. Zero values take the defaults tuned
// for a Project Zomboid dedicated server's startup time.
type Options struct {
	SaveCommand      string // default "save"
	QuitCommand      string // default "quit"
	BroadcastCommand string // fmt verb receives the message, default `servermsg "%s"`

	SaveTimeout       time.Duration // default 30s
	QuitTimeout       time.Duration // default 15s
	DeathPollInterval time.Duration // default 2s
	DeathPollAttempts int           // default 30
	StartPollInterval time.Duration // default 2s
	StartPollAttempts int           // default 60
	// ReconnectSchedule is the staged post-relaunch wait sequence; default
	// 60s then four 45s intervals.
	ReconnectSchedule []time.Duration
	StartingGuardTTL  time.Duration // default 5m failsafe

	Logger *slog.Logger
	Bus    *events.Bus

	// Sleep is swapped out by tests to compress the schedule.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs at most one restart at a time.
type Orchestrator struct {
	opts    Options
	log     *slog.Logger
	session RconSession
	proc    process.Controller

	busy      atomic.Bool
	cancelled atomic.Bool

	mu    sync.Mutex
	phase Phase
}

// New creates an orchestrator borrowing the given session and controller.
func New(session RconSession, proc process.Controller, opts Options) *Orchestrator {
	if opts.SaveCommand == "" {
		opts.SaveCommand = "save"
	}
	if opts.QuitCommand == "" {
		opts.QuitCommand = "quit"
	}
	if opts.BroadcastCommand == "" {
		opts.BroadcastCommand = `servermsg "%s"`
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.QuitTimeout <= 0 {
		opts.QuitTimeout = 15 * time.Second
	}
	if opts.DeathPollInterval <= 0 {
		opts.DeathPollInterval = 2 * time.Second
	}
	if opts.DeathPollAttempts <= 0 {
		opts.DeathPollAttempts = 30
	}
	if opts.StartPollInterval <= 0 {
		opts.StartPollInterval = 2 * time.Second
	}
	if opts.StartPollAttempts <= 0 {
		opts.StartPollAttempts = 60
	}
	if len(opts.ReconnectSchedule) == 0 {
		opts.ReconnectSchedule = []time.Duration{
			60 * time.Second,
			45 * time.Second,
			45 * time.Second,
			45 * time.Second,
			45 * time.Second,
		}
	}
	if opts.StartingGuardTTL <= 0 {
		opts.StartingGuardTTL = 5 * time.Minute
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		opts:    opts,
		log:     log.With("component", "restart"),
		session: session,
		proc:    proc,
		phase:   PhaseIdle,
	}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Busy reports whether a restart is in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// CancelRestart requests a cooperative cancel. It is honored only before the
// destructive steps (save/quit) begin; it reports whether a restart was in
// flight to receive it.
func (o *Orchestrator) CancelRestart() bool {
	if !o.busy.Load() {
		return false
	}
	o.cancelled.Store(true)
	o.log.Info("restart cancel requested")
	return true
}

// PerformRestart runs the restart sequence. When the process is not running
// it skips straight to launch and verify. Concurrent calls fail fast with
// ErrBusy.
func (o *Orchestrator) PerformRestart(ctx context.Context, warningMinutes int) (Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return Result{Phase: o.Phase()}, ErrBusy
	}
	defer o.busy.Store(false)
	o.cancelled.Store(false)
	start := time.Now()

	wasRunning := o.proc.IsAlive(ctx)
	o.log.Info("restart requested", "warning_minutes", warningMinutes, "was_running", wasRunning)

	if !wasRunning {
		return o.launchAndVerify(ctx, start, false)
	}

	o.setPhase(PhaseVerifyingRcon)
	if h := o.session.HealthCheck(ctx); !h.Healthy {
		if err := o.session.Connect(ctx); err != nil {
			return o.fail(start, true, fmt.Errorf("cannot restart: RCON unreachable: %w", err))
		}
		if h = o.session.HealthCheck(ctx); !h.Healthy {
			return o.fail(start, true, fmt.Errorf("cannot restart: RCON probe failed: %s", h.Reason))
		}
	}

	o.setPhase(PhaseWarning)
	if err := o.countdown(ctx, warningMinutes); err != nil {
		return o.abort(ctx, start, err)
	}
	// Last safe point: once save/quit begins, cancellation is ignored.
	if o.cancelled.Load() {
		return o.abort(ctx, start, ErrCancelled)
	}

	o.setPhase(PhaseSaving)
	if err := o.execTimed(ctx, o.opts.SaveCommand, o.opts.SaveTimeout); err != nil {
		// A failed save is logged but does not stop the restart.
		o.log.Warn("save before restart failed", "err", err)
	}

	o.setPhase(PhaseStopping)
	if err := o.execTimed(ctx, o.opts.QuitCommand, o.opts.QuitTimeout); err != nil {
		// The connection dropping here is the quit taking effect.
		o.log.Debug("quit command ended with error (expected during shutdown)", "err", err)
	}

	o.setPhase(PhaseWaitingForDeath)
	if !o.pollUntil(ctx, o.opts.DeathPollAttempts, o.opts.DeathPollInterval, func() bool {
		return !o.proc.IsAlive(ctx)
	}) {
		o.log.Warn("server still alive after quit, escalating to kill")
		if err := o.proc.Kill(ctx); err != nil {
			return o.fail(start, true, fmt.Errorf("server would not die: %w", err))
		}
		if !o.pollUntil(ctx, 5, o.opts.DeathPollInterval, func() bool {
			return !o.proc.IsAlive(ctx)
		}) {
			return o.fail(start, true, errors.New("server process survived forced kill"))
		}
	}

	return o.launchAndVerify(ctx, start, true)
}

// launchAndVerify covers the back half of the sequence: guard, launch, wait
// for the process, then staged RCON reconnection.
func (o *Orchestrator) launchAndVerify(ctx context.Context, start time.Time, wasRunning bool) (Result, error) {
	// The guard suppresses the session manager's own background reconnect
	// loop; its TTL is a failsafe in case this sequence dies before the
	// explicit clear.
	o.session.SetStartingGuard(o.opts.StartingGuardTTL)

	o.setPhase(PhaseStarting)
	if err := o.proc.Launch(ctx); err != nil {
		// Nothing is starting, so stop suppressing background reconnection.
		o.session.ClearStartingGuard()
		return o.fail(start, wasRunning, fmt.Errorf("relaunch failed: %w", err))
	}

	o.setPhase(PhaseWaitingForProcess)
	if !o.pollUntil(ctx, o.opts.StartPollAttempts, o.opts.StartPollInterval, func() bool {
		return o.proc.IsAlive(ctx)
	}) {
		o.session.ClearStartingGuard()
		return o.fail(start, wasRunning, errors.New("server process did not come up after launch"))
	}

	o.setPhase(PhaseReconnectingRcon)
	reconnected := false
	for i, wait := range o.opts.ReconnectSchedule {
		if err := o.opts.Sleep(ctx, wait); err != nil {
			break
		}
		// Reset first so a previously stuck attempt cannot block this one.
		o.session.ForceResetConnectionState()
		if err := o.session.Connect(ctx); err == nil {
			reconnected = true
			break
		} else {
			o.log.Warn("staged reconnect attempt failed", "stage", i+1, "err", err)
		}
	}
	o.session.ClearStartingGuard()

	elapsed := time.Since(start)
	if !reconnected {
		o.setPhase(PhaseRconPending)
		o.log.Warn("server started but RCON still pending", "elapsed", elapsed)
		return Result{Success: true, WasRunning: wasRunning, Phase: PhaseRconPending, Elapsed: elapsed}, nil
	}
	o.setPhase(PhaseDone)
	o.log.Info("restart complete", "elapsed", elapsed)
	return Result{Success: true, WasRunning: wasRunning, Phase: PhaseDone, Elapsed: elapsed}, nil
}

// countdown broadcasts the warning schedule: per-minute until the last
// minute, then 30 seconds, then NOW. The cancel flag is honored between
// every step.
func (o *Orchestrator) countdown(ctx context.Context, minutes int) error {
	if o.cancelled.Load() {
		return ErrCancelled
	}
	if minutes < 1 {
		o.broadcast(ctx, "Server restarting NOW")
		return nil
	}
	for remaining := minutes; remaining > 1; remaining-- {
		o.broadcast(ctx, fmt.Sprintf("Server restarting in %d minutes", remaining))
		if err := o.opts.Sleep(ctx, time.Minute); err != nil {
			return err
		}
		if o.cancelled.Load() {
			return ErrCancelled
		}
	}
	o.broadcast(ctx, "Server restarting in 1 minute")
	if err := o.opts.Sleep(ctx, 30*time.Second); err != nil {
		return err
	}
	if o.cancelled.Load() {
		return ErrCancelled
	}
	o.broadcast(ctx, "Server restarting in 30 seconds")
	if err := o.opts.Sleep(ctx, 25*time.Second); err != nil {
		return err
	}
	if o.cancelled.Load() {
		return ErrCancelled
	}
	o.broadcast(ctx, "Server restarting NOW")
	return o.opts.Sleep(ctx, 5*time.Second)
}

// broadcast sends one warning over RCON; failures are logged, never fatal.
func (o *Orchestrator) broadcast(ctx context.Context, msg string) {
	cmd := fmt.Sprintf(o.opts.BroadcastCommand, msg)
	if _, err := o.session.Execute(ctx, cmd); err != nil {
		o.log.Warn("warning broadcast failed", "msg", msg, "err", err)
	}
}

// abort ends a run cancelled before any destructive step, notifying players.
func (o *Orchestrator) abort(ctx context.Context, start time.Time, cause error) (Result, error) {
	if errors.Is(cause, ErrCancelled) || errors.Is(cause, context.Canceled) {
		o.broadcast(ctx, "Server restart cancelled")
		o.setPhase(PhaseCancelled)
		return Result{WasRunning: true, Phase: PhaseCancelled, Elapsed: time.Since(start)}, ErrCancelled
	}
	return o.fail(start, true, cause)
}

func (o *Orchestrator) fail(start time.Time, wasRunning bool, err error) (Result, error) {
	o.log.Error("restart failed", "err", err)
	o.setPhase(PhaseFailed)
	return Result{WasRunning: wasRunning, Phase: PhaseFailed, Elapsed: time.Since(start)}, err
}

func (o *Orchestrator) execTimed(ctx context.Context, cmd string, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := o.session.Execute(tctx, cmd)
	return err
}

// pollUntil runs cond up to attempts times, sleeping interval between tries.
func (o *Orchestrator) pollUntil(ctx context.Context, attempts int, interval time.Duration, cond func() bool) bool {
	for i := 0; i < attempts; i++ {
		if cond() {
			return true
		}
		if err := o.opts.Sleep(ctx, interval); err != nil {
			return false
		}
	}
	return cond()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.log.Debug("phase", "phase", p.String())
	if o.opts.Bus != nil {
		o.opts.Bus.Publish(events.TopicRestartPhase, p.String())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
