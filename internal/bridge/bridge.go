package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zomboidtools/panelctl/internal/events"
)

const (
	bridgeDirName   = "panelbridge"
	commandFileName = "commands.json"
	resultsFileName = "results.json"
	statusFileName  = "status.json"
)

// Options configures a Bridge. Zero values take the tuned defaults.
type Options struct {
	// Dir is the base path; files live at {Dir}/panelbridge/{ServerName}/.
	Dir        string
	ServerName string

	PollInterval         time.Duration // result poll, default 300ms
	StatusInterval       time.Duration // heartbeat check, default 5s
	StaleAfter           time.Duration // heartbeat staleness threshold, default 45s
	CommandTimeout       time.Duration // per-command settlement guarantee, default 10s
	FailureThreshold     int           // consecutive status failures before disconnect, default 5
	Debounce             time.Duration // watcher coalescing window, default 100ms
	WatcherRetries       int           // default 5
	WatcherRetryInterval time.Duration // default 10s

	Logger *slog.Logger
	Bus    *events.Bus
}

// Outcome settles a submitted command: a matched result, or an error when
// the result never arrived.
type Outcome struct {
	Result Result
	Err    error
}

type pendingCommand struct {
	id       string
	action   string
	issuedAt time.Time
	timer    *time.Timer
	ch       chan Outcome
}

// Bridge owns the three protocol files and the pending-command table. Every
// SendCommand settles within the command timeout even if the remote side
// never answers.
type Bridge struct {
	opts Options
	log  *slog.Logger
	dir  string

	writer *commandWriter

	mu          sync.Mutex
	running     bool
	pending     map[string]*pendingCommand
	seen        *seenSet
	status      Status
	lastHeard   time.Time
	prevPlayers map[string]bool
	modStatus   string

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped bridge for the given options.
func New(opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 45 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.WatcherRetries <= 0 {
		opts.WatcherRetries = 5
	}
	if opts.WatcherRetryInterval <= 0 {
		opts.WatcherRetryInterval = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		opts:    opts,
		log:     log.With("component", "bridge"),
		pending: make(map[string]*pendingCommand),
		seen:    newSeenSet(512),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	b.Configure(opts.Dir)
	return b
}

// Configure points the bridge at a new base path. Must be called before
// Start.
func (b *Bridge) Configure(base string) {
	b.dir = filepath.Join(base, bridgeDirName, b.opts.ServerName)
}

func (b *Bridge) commandsPath() string { return filepath.Join(b.dir, commandFileName) }
func (b *Bridge) resultsPath() string  { return filepath.Join(b.dir, resultsFileName) }
func (b *Bridge) statusPath() string   { return filepath.Join(b.dir, statusFileName) }

// Start creates the bridge directory and launches the poll and watcher
// loops.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("creating bridge directory: %w", err)
	}
	b.writer = newCommandWriter(b.commandsPath())
	b.running = true
	b.mu.Unlock()

	b.wg.Add(2)
	go b.run()
	go b.runWatcher()
	b.log.Info("bridge started", "dir", b.dir)
	return nil
}

// Stop halts background work and settles every still-pending command with
// an error.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.writer.Close()

	b.mu.Lock()
	orphans := make([]*pendingCommand, 0, len(b.pending))
	for id, pc := range b.pending {
		delete(b.pending, id)
		orphans = append(orphans, pc)
	}
	b.mu.Unlock()
	for _, pc := range orphans {
		pc.timer.Stop()
		pc.ch <- Outcome{Err: ErrNotRunning}
	}
}

// Submit appends a command to the shared file and returns a channel that is
// guaranteed to deliver exactly one Outcome within the command timeout.
func (b *Bridge) Submit(action string, args map[string]any) (<-chan Outcome, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, ErrNotRunning
	}
	id := uuid.NewString()
	pc := &pendingCommand{
		id:       id,
		action:   action,
		issuedAt: time.Now(),
		ch:       make(chan Outcome, 1),
	}
	pc.timer = time.AfterFunc(b.opts.CommandTimeout, func() { b.expire(id) })
	b.pending[id] = pc
	b.mu.Unlock()

	cmd := Command{ID: id, Action: action, Args: args, Timestamp: time.Now().UnixMilli()}
	if err := b.writer.Append(cmd); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		pc.timer.Stop()
		return nil, fmt.Errorf("submitting %s: %w", action, err)
	}
	b.log.Debug("command submitted", "id", id, "action", action)
	return pc.ch, nil
}

// SendCommand submits a command and waits for its outcome.
func (b *Bridge) SendCommand(ctx context.Context, action string, args map[string]any) (Result, error) {
	ch, err := b.Submit(action, args)
	if err != nil {
		return Result{}, err
	}
	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status returns a snapshot of the remote side's last known state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.status
	s.Players = append([]string(nil), b.status.Players...)
	if !b.lastHeard.IsZero() {
		s.Age = time.Since(b.lastHeard)
	}
	return s
}

// Refresh forces an immediate heartbeat check outside the polling cadence.
func (b *Bridge) Refresh() {
	b.checkStatus()
}

// IsAlive reports whether the remote heartbeat is current.
func (b *Bridge) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.Alive
}

func (b *Bridge) run() {
	defer b.wg.Done()

	poll := time.NewTicker(b.opts.PollInterval)
	defer poll.Stop()
	status := time.NewTicker(b.opts.StatusInterval)
	defer status.Stop()
	// Safety net behind the per-command timers.
	sweep := time.NewTicker(b.opts.CommandTimeout)
	defer sweep.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-poll.C:
			b.readResults()
		case <-b.kick:
			b.readResults()
			b.checkStatus()
		case <-status.C:
			b.checkStatus()
		case <-sweep.C:
			b.sweepPending()
		}
	}
}

// readResults consumes new entries from results.json. The recently-seen set
// makes delivery exactly-once even when the same result is observed across
// multiple reads.
func (b *Bridge) readResults() {
	data, err := os.ReadFile(b.resultsPath())
	if err != nil || len(data) == 0 {
		return
	}
	var rf resultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		// Probably caught the remote mid-write; the next poll re-reads.
		return
	}

	var settled []string
	for _, r := range rf.Results {
		b.mu.Lock()
		if b.seen.Has(r.ID) {
			b.mu.Unlock()
			continue
		}
		b.seen.Add(r.ID)
		pc := b.pending[r.ID]
		delete(b.pending, r.ID)
		b.mu.Unlock()

		if pc == nil {
			continue // timed out earlier, or not ours
		}
		pc.timer.Stop()
		pc.ch <- Outcome{Result: r}
		settled = append(settled, r.ID)
		b.log.Debug("result delivered", "id", r.ID, "action", pc.action, "success", r.Success)
	}
	if len(settled) > 0 {
		if err := b.writer.Remove(settled...); err != nil {
			b.log.Warn("pruning settled commands failed", "err", err)
		}
	}
}

// expire settles one command with a timeout once its timer fires. Whoever
// removes the entry from the pending table owns its settlement, so a result
// racing the timer can never double-settle.
func (b *Bridge) expire(id string) {
	b.mu.Lock()
	pc := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if pc == nil {
		return
	}
	pc.ch <- Outcome{Err: ErrTimeout}
	b.log.Warn("command timed out", "id", id, "action", pc.action)
	if err := b.writer.Remove(id); err != nil {
		b.log.Warn("pruning timed-out command failed", "err", err)
	}
}

// sweepPending force-clears any pending command older than twice the
// timeout, guarding against a lost timer.
func (b *Bridge) sweepPending() {
	cutoff := time.Now().Add(-2 * b.opts.CommandTimeout)
	b.mu.Lock()
	var stale []*pendingCommand
	for id, pc := range b.pending {
		if pc.issuedAt.Before(cutoff) {
			delete(b.pending, id)
			stale = append(stale, pc)
		}
	}
	b.mu.Unlock()
	for _, pc := range stale {
		pc.timer.Stop()
		pc.ch <- Outcome{Err: ErrTimeout}
		b.log.Warn("swept stuck command", "id", pc.id, "action", pc.action)
	}
}

// checkStatus reads the heartbeat file and updates connectivity.
func (b *Bridge) checkStatus() {
	fi, err := os.Stat(b.statusPath())
	if err != nil {
		b.recordFailure(err)
		return
	}
	age := time.Since(fi.ModTime())
	if age > b.opts.StaleAfter {
		b.markStale(age)
		return
	}

	data, err := os.ReadFile(b.statusPath())
	if err != nil {
		b.recordFailure(err)
		return
	}
	var sf statusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		b.recordFailure(err)
		return
	}

	b.mu.Lock()
	wasAlive := b.status.Alive
	b.status = Status{
		Alive:       true,
		Version:     sf.Version,
		ServerName:  sf.ServerName,
		PlayerCount: sf.PlayerCount,
		Players:     sf.Players,
		Timestamp:   time.UnixMilli(sf.Timestamp),
	}
	b.lastHeard = fi.ModTime()

	joined, left := diffPlayers(b.prevPlayers, sf.Players)
	prev := make(map[string]bool, len(sf.Players))
	for _, p := range sf.Players {
		prev[p] = true
	}
	b.prevPlayers = prev

	modChanged := sf.ModStatus != "" && sf.ModStatus != b.modStatus
	if modChanged {
		b.modStatus = sf.ModStatus
	}
	server := sf.ServerName
	b.mu.Unlock()

	if !wasAlive {
		b.log.Info("remote script host alive", "server", server)
		b.publish(events.TopicBridgeConnected, server)
	}
	for _, p := range joined {
		b.publish(events.TopicPlayerConnect, PlayerEvent{Player: p, Server: server})
	}
	for _, p := range left {
		b.publish(events.TopicPlayerDisconnect, PlayerEvent{Player: p, Server: server})
	}
	if modChanged {
		b.publish(events.TopicModStatus, sf.ModStatus)
	}
}

// markStale flips connectivity off while preserving last-known metadata.
func (b *Bridge) markStale(age time.Duration) {
	b.mu.Lock()
	wasAlive := b.status.Alive
	b.status.Alive = false
	b.mu.Unlock()
	if wasAlive {
		b.log.Warn("heartbeat stale", "age", age, "threshold", b.opts.StaleAfter)
		b.publish(events.TopicBridgeDisconnected, ErrStale.Error())
	}
}

func (b *Bridge) recordFailure(cause error) {
	b.mu.Lock()
	b.status.ConsecutiveFailures++
	failures := b.status.ConsecutiveFailures
	wasAlive := b.status.Alive
	flip := failures >= b.opts.FailureThreshold && wasAlive
	if flip {
		b.status.Alive = false
	}
	b.mu.Unlock()

	if flip {
		b.log.Warn("bridge disconnected", "failures", failures, "err", cause)
		b.publish(events.TopicBridgeDisconnected, cause.Error())
	}
}

func (b *Bridge) publish(topic events.Topic, payload any) {
	if b.opts.Bus != nil {
		b.opts.Bus.Publish(topic, payload)
	}
}

// diffPlayers synthesizes connect/disconnect events from two successive
// player sets.
func diffPlayers(prev map[string]bool, current []string) (joined, left []string) {
	cur := make(map[string]bool, len(current))
	for _, p := range current {
		cur[p] = true
		if !prev[p] {
			joined = append(joined, p)
		}
	}
	for p := range prev {
		if !cur[p] {
			left = append(left, p)
		}
	}
	return joined, left
}

// seenSet is a bounded recently-seen id set with FIFO eviction.
type seenSet struct {
	capacity int
	order    []string
	members  map[string]bool
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{capacity: capacity, members: make(map[string]bool, capacity)}
}

func (s *seenSet) Has(id string) bool { return s.members[id] }

func (s *seenSet) Add(id string) {
	if s.members[id] {
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, id)
	s.members[id] = true
}
