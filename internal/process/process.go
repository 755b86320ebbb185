// Package process implements the process-controller collaborator: launching
// the game-server process and probing or killing it by PID or by executable
// name.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/zomboidtools/panelctl/internal/platform"
)

// Controller is the restart orchestrator's view of the game-server process.
type Controller interface {
	// IsAlive reports whether the server process is currently running.
	IsAlive(ctx context.Context) bool
	// Launch starts the server process.
	Launch(ctx context.Context) error
	// Kill forcibly terminates the server process.
	Kill(ctx context.Context) error
}

// Options describes how to launch and recognize the server process.
type Options struct {
	// StartCommand and StartArgs launch the server (e.g. ./start-server.sh).
	StartCommand string
	StartArgs    []string
	WorkDir      string
	// ProcessName identifies the server in a process scan when no launch
	// PID is known (e.g. after a panel restart).
	ProcessName string

	Logger *slog.Logger
}

// OSController manages a real OS process through a CommandRunner and
// gopsutil probes.
type OSController struct {
	opts   Options
	runner platform.CommandRunner
	log    *slog.Logger

	mu  sync.Mutex
	pid int32
}

// NewController creates a controller that launches via runner.
func NewController(runner platform.CommandRunner, opts Options) *OSController {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OSController{
		opts:   opts,
		runner: runner,
		log:    log.With("component", "process"),
	}
}

// PID returns the last launched PID, or 0 when unknown.
func (c *OSController) PID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// IsAlive checks the recorded PID first and falls back to scanning for the
// configured process name.
func (c *OSController) IsAlive(ctx context.Context) bool {
	if pid := c.PID(); pid > 0 {
		if p, err := gops.NewProcessWithContext(ctx, pid); err == nil {
			if running, err := p.IsRunningWithContext(ctx); err == nil && running {
				return true
			}
		}
		// Recorded PID is gone; forget it and fall back to the scan.
		c.mu.Lock()
		c.pid = 0
		c.mu.Unlock()
	}
	p := c.find(ctx)
	return p != nil
}

// Launch starts the server process detached and records its PID.
func (c *OSController) Launch(ctx context.Context) error {
	if c.opts.StartCommand == "" {
		return fmt.Errorf("no start command configured")
	}
	// Bare command names resolve through PATH; a path-style command is
	// relative to WorkDir and can only be checked by the launch itself.
	if !strings.Contains(c.opts.StartCommand, "/") && !c.runner.CommandExists(c.opts.StartCommand) {
		return fmt.Errorf("start command %q not found in PATH", c.opts.StartCommand)
	}
	pid, err := c.runner.StartDetached(ctx, c.opts.WorkDir, c.opts.StartCommand, c.opts.StartArgs...)
	if err != nil {
		return fmt.Errorf("launching server: %w", err)
	}
	c.mu.Lock()
	c.pid = int32(pid)
	c.mu.Unlock()
	c.log.Info("server launched", "pid", pid)
	return nil
}

// Kill terminates the server process. A missing process is not an error.
func (c *OSController) Kill(ctx context.Context) error {
	var target *gops.Process
	if pid := c.PID(); pid > 0 {
		if p, err := gops.NewProcessWithContext(ctx, pid); err == nil {
			target = p
		}
	}
	if target == nil {
		target = c.find(ctx)
	}
	if target == nil {
		return nil
	}
	if err := target.KillWithContext(ctx); err != nil {
		return fmt.Errorf("killing pid %d: %w", target.Pid, err)
	}
	c.log.Warn("server process killed", "pid", target.Pid)
	c.mu.Lock()
	c.pid = 0
	c.mu.Unlock()
	return nil
}

// find scans the process table for the configured process name.
func (c *OSController) find(ctx context.Context) *gops.Process {
	if c.opts.ProcessName == "" {
		return nil
	}
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	needle := strings.ToLower(c.opts.ProcessName)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), needle) {
			return p
		}
		// The launcher is often a shell script; match the command line too.
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil &&
			strings.Contains(strings.ToLower(cmdline), needle) {
			return p
		}
	}
	return nil
}
