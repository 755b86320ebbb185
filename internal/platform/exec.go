package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// CommandRunner abstracts process launching for testability.
type CommandRunner interface {
	// StartDetached launches a long-running process in dir without waiting
	// for it and returns its PID. The child is reaped in the background.
	StartDetached(ctx context.Context, dir, name string, args ...string) (int, error)
	CommandExists(name string) bool
}

// OSCommandRunner executes real system commands.
type OSCommandRunner struct{}

// NewOSCommandRunner returns a CommandRunner that executes real system commands.
func NewOSCommandRunner() *OSCommandRunner {
	return &OSCommandRunner{}
}

// StartDetached launches the command without waiting for it to exit. A
// background goroutine reaps the child so it never becomes a zombie. The
// context governs only the launch, not the lifetime of the child.
func (r *OSCommandRunner) StartDetached(ctx context.Context, dir, name string, args ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	slog.Debug("exec detached", "cmd", name, "args", args, "dir", dir)
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%s %v: %w", name, args, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// CommandExists checks whether a command is available on the system PATH.
func (r *OSCommandRunner) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// MockRunner records commands for testing without executing them.
type MockRunner struct {
	Commands  []MockCommand
	ErrorMap  map[string]error
	ExistsMap map[string]bool
	NextPID   int
}

// MockCommand records a single command invocation.
type MockCommand struct {
	Name     string
	Args     []string
	Dir      string
	Detached bool
}

// NewMockRunner creates a MockRunner with empty state.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		ErrorMap:  make(map[string]error),
		ExistsMap: make(map[string]bool),
		NextPID:   4242,
	}
}

// Key returns the map key used for ErrorMap lookups.
func (m *MockRunner) Key(name string, args ...string) string {
	return fmt.Sprintf("%s %v", name, args)
}

// StartDetached records the launch and returns a synthetic PID.
func (m *MockRunner) StartDetached(_ context.Context, dir, name string, args ...string) (int, error) {
	m.Commands = append(m.Commands, MockCommand{Name: name, Args: args, Dir: dir, Detached: true})
	if err, ok := m.ErrorMap[m.Key(name, args...)]; ok {
		return 0, err
	}
	return m.NextPID, nil
}

// CommandExists returns the preconfigured existence value for the given command.
func (m *MockRunner) CommandExists(name string) bool {
	if exists, ok := m.ExistsMap[name]; ok {
		return exists
	}
	return false
}
