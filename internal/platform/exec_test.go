package platform

import (
	"context"
	"errors"
	"testing"
)

func TestMockRunner_StartDetached(t *testing.T) {
	m := NewMockRunner()
	pid, err := m.StartDetached(context.Background(), "/srv/server", "./start-server.sh", "-cachedir=data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != m.NextPID {
		t.Fatalf("expected pid %d, got %d", m.NextPID, pid)
	}
	if len(m.Commands) != 1 || !m.Commands[0].Detached {
		t.Fatal("expected one detached command recorded")
	}
	if m.Commands[0].Dir != "/srv/server" {
		t.Fatalf("dir = %q", m.Commands[0].Dir)
	}
}

func TestMockRunner_StartDetachedError(t *testing.T) {
	m := NewMockRunner()
	boom := errors.New("no such file")
	m.ErrorMap[m.Key("./start-server.sh")] = boom

	if _, err := m.StartDetached(context.Background(), "", "./start-server.sh"); !errors.Is(err, boom) {
		t.Fatalf("expected configured error, got %v", err)
	}
}

func TestMockRunner_CommandExists(t *testing.T) {
	m := NewMockRunner()
	m.ExistsMap["java"] = true

	if !m.CommandExists("java") {
		t.Fatal("expected java to exist")
	}
	if m.CommandExists("nonexistent") {
		t.Fatal("expected nonexistent to not exist")
	}
}
