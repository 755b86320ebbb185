// Package bridge implements the file-based asynchronous command/result/status
// protocol used to reach the script host embedded in the game process. The
// control plane is the only writer of commands.json; the remote side is the
// only writer of results.json and status.json, so no cross-process locking is
// needed.
package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// Command is one entry in commands.json, written by the control plane.
type Command struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type commandFile struct {
	Commands []Command `json:"commands"`
}

// Result is one entry in results.json, written by the remote script host.
type Result struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type resultFile struct {
	Results []Result `json:"results"`
}

// statusFile mirrors status.json, rewritten by the remote side every few
// seconds as a heartbeat. ModStatus is optional; older script hosts omit it.
type statusFile struct {
	Version     string   `json:"version"`
	ServerName  string   `json:"serverName"`
	PlayerCount int      `json:"playerCount"`
	Players     []string `json:"players"`
	Timestamp   int64    `json:"timestamp"`
	ModStatus   string   `json:"modStatus,omitempty"`
}

// Status is the bridge's view of the remote side. On heartbeat failure Alive
// flips to false but the last-known metadata is preserved.
type Status struct {
	Alive               bool
	Version             string
	ServerName          string
	PlayerCount         int
	Players             []string
	Timestamp           time.Time
	Age                 time.Duration
	ConsecutiveFailures int
}

// PlayerEvent is the payload of player connect/disconnect events.
type PlayerEvent struct {
	Player string
	Server string
}

var (
	// ErrTimeout settles a command whose result never arrived in time.
	ErrTimeout = errors.New("bridge: no result within timeout window")
	// ErrNotRunning is returned by operations on a stopped bridge.
	ErrNotRunning = errors.New("bridge: not running")
	// ErrStale marks a heartbeat older than the staleness threshold.
	ErrStale = errors.New("bridge: status heartbeat is stale")
)
