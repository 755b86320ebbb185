package process

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zomboidtools/panelctl/internal/platform"
)

func TestLaunch_RecordsPID(t *testing.T) {
	runner := platform.NewMockRunner()
	runner.NextPID = 31337
	c := NewController(runner, Options{
		StartCommand: "./start-server.sh",
		StartArgs:    []string{"-cachedir=data"},
		WorkDir:      "/srv/zomboid",
	})

	if err := c.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if c.PID() != 31337 {
		t.Fatalf("PID() = %d, want 31337", c.PID())
	}
	if len(runner.Commands) != 1 {
		t.Fatalf("recorded %d commands, want 1", len(runner.Commands))
	}
	cmd := runner.Commands[0]
	if !cmd.Detached || cmd.Name != "./start-server.sh" || cmd.Dir != "/srv/zomboid" {
		t.Fatalf("unexpected launch invocation: %+v", cmd)
	}
}

func TestLaunch_MissingCommandFailsFast(t *testing.T) {
	runner := platform.NewMockRunner()
	c := NewController(runner, Options{StartCommand: "zomboid-server"})

	err := c.Launch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found in PATH") {
		t.Fatalf("Launch() error = %v, want PATH check failure", err)
	}
	if len(runner.Commands) != 0 {
		t.Fatal("missing command must not be launched")
	}

	runner.ExistsMap["zomboid-server"] = true
	if err := c.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() with resolvable command = %v", err)
	}
}

func TestLaunch_NoStartCommand(t *testing.T) {
	c := NewController(platform.NewMockRunner(), Options{})
	if err := c.Launch(context.Background()); err == nil {
		t.Fatal("expected error without a start command")
	}
}

func TestLaunch_RunnerError(t *testing.T) {
	runner := platform.NewMockRunner()
	boom := errors.New("exec format error")
	runner.ErrorMap[runner.Key("./start-server.sh")] = boom

	c := NewController(runner, Options{StartCommand: "./start-server.sh"})
	if err := c.Launch(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Launch() error = %v, want wrapped runner error", err)
	}
	if c.PID() != 0 {
		t.Fatalf("failed launch must not record a PID, got %d", c.PID())
	}
}

func TestIsAlive_NoPIDNoName(t *testing.T) {
	c := NewController(platform.NewMockRunner(), Options{StartCommand: "x"})
	if c.IsAlive(context.Background()) {
		t.Fatal("controller with no PID and no process name cannot be alive")
	}
}

func TestKill_NothingRunning(t *testing.T) {
	c := NewController(platform.NewMockRunner(), Options{StartCommand: "x"})
	if err := c.Kill(context.Background()); err != nil {
		t.Fatalf("Kill() with nothing running = %v, want nil", err)
	}
}
