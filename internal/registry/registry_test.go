package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/shared/types"
)

type fakeSession struct {
	id     string
	closed bool
}

func (f *fakeSession) AgentID() string { return f.id }
func (f *fakeSession) Close() error    { f.closed = true; return nil }

func newTestRegistry() *Registry {
	return New(Config{}, zap.NewNop())
}

func TestRegister_AddsAgentAsInitializing(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "worker one", "default", nil, &fakeSession{id: "agent-1"})

	p, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("expected agent-1 to be present")
	}
	if p.Status != types.AgentStatusInitializing {
		t.Fatalf("expected newly registered agent to be Initializing, got %s", p.Status)
	}
}

func TestRegister_ReplacesAndClosesExistingSession(t *testing.T) {
	r := newTestRegistry()
	old := &fakeSession{id: "agent-1"}
	r.Register("agent-1", "v1", "default", nil, old)
	r.Register("agent-1", "v2", "default", nil, &fakeSession{id: "agent-1"})

	if !old.closed {
		t.Fatal("expected the prior session to be closed on re-registration")
	}
	p, _ := r.Get("agent-1")
	if p.DisplayName != "v2" {
		t.Fatalf("expected the new registration to replace the presence record, got %q", p.DisplayName)
	}
}

func TestDeregister_RemovesAgent(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "worker", "default", nil, &fakeSession{id: "agent-1"})
	r.Deregister("agent-1")

	if r.IsConnected("agent-1") {
		t.Fatal("expected agent-1 to be gone after deregister")
	}
	r.Deregister("agent-1") // must not panic on a second, redundant call
}

func TestHeartbeat_RevivesDisconnectedAgent(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "worker", "default", nil, &fakeSession{id: "agent-1"})
	if err := r.UpdateStatus("agent-1", types.AgentStatusDisconnected); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if err := r.Heartbeat("agent-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	p, _ := r.Get("agent-1")
	if p.Status != types.AgentStatusReady {
		t.Fatalf("expected heartbeat to revive a disconnected agent to Ready, got %s", p.Status)
	}
}

func TestHeartbeat_UnknownAgentErrors(t *testing.T) {
	r := newTestRegistry()
	if err := r.Heartbeat("ghost"); err == nil {
		t.Fatal("expected an error heartbeating an unregistered agent")
	}
}

func TestByCapability_OnlyReturnsReadyOrRunningAgents(t *testing.T) {
	r := newTestRegistry()
	caps := []types.Capability{{Name: "gpu"}}

	r.Register("ready-agent", "w1", "default", caps, &fakeSession{id: "ready-agent"})
	_ = r.UpdateStatus("ready-agent", types.AgentStatusReady)

	r.Register("running-agent", "w2", "default", caps, &fakeSession{id: "running-agent"})
	_ = r.UpdateStatus("running-agent", types.AgentStatusRunning)

	r.Register("init-agent", "w3", "default", caps, &fakeSession{id: "init-agent"})
	// left at Initializing

	r.Register("no-cap-agent", "w4", "default", nil, &fakeSession{id: "no-cap-agent"})
	_ = r.UpdateStatus("no-cap-agent", types.AgentStatusReady)

	matches := r.ByCapability("gpu")
	ids := map[string]bool{}
	for _, p := range matches {
		ids[p.ID] = true
	}
	if len(matches) != 2 || !ids["ready-agent"] || !ids["running-agent"] {
		t.Fatalf("expected only ready-agent and running-agent to match, got %+v", matches)
	}
}

func TestByGroup_FiltersByGroup(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "a", "us-east", nil, &fakeSession{id: "a"})
	r.Register("b", "b", "us-west", nil, &fakeSession{id: "b"})

	group := r.ByGroup("us-east")
	if len(group) != 1 || group[0].ID != "a" {
		t.Fatalf("expected only agent a in us-east, got %+v", group)
	}
}

func TestWaitForAgent_ReturnsOnceConnected(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.WaitForAgent(ctx, "late-agent") }()

	time.Sleep(50 * time.Millisecond)
	r.Register("late-agent", "late", "default", nil, &fakeSession{id: "late-agent"})

	if err := <-done; err != nil {
		t.Fatalf("expected WaitForAgent to return nil once registered, got %v", err)
	}
}

func TestWaitForAgent_RespectsContextCancellation(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := r.WaitForAgent(ctx, "never-connects"); err == nil {
		t.Fatal("expected an error once the context deadline passes")
	}
}

func TestSweepStale_DisconnectsAndClosesStaleAgents(t *testing.T) {
	r := New(Config{HeartbeatTimeout: 10 * time.Millisecond}, zap.NewNop())
	session := &fakeSession{id: "agent-1"}
	r.Register("agent-1", "worker", "default", nil, session)
	_ = r.UpdateStatus("agent-1", types.AgentStatusReady)

	time.Sleep(20 * time.Millisecond)
	r.sweepStale()

	p, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("expected agent-1 to still be present (sweep marks Disconnected, does not remove)")
	}
	if p.Status != types.AgentStatusDisconnected {
		t.Fatalf("expected agent-1 marked Disconnected after missing its heartbeat deadline, got %s", p.Status)
	}
	if !session.closed {
		t.Fatal("expected the stale agent's session to be closed")
	}
}

func TestSweepStale_LeavesFreshAgentsAlone(t *testing.T) {
	r := New(Config{HeartbeatTimeout: time.Hour}, zap.NewNop())
	session := &fakeSession{id: "agent-1"}
	r.Register("agent-1", "worker", "default", nil, session)
	_ = r.UpdateStatus("agent-1", types.AgentStatusReady)

	r.sweepStale()

	p, _ := r.Get("agent-1")
	if p.Status != types.AgentStatusReady {
		t.Fatalf("expected a fresh agent to be left Ready, got %s", p.Status)
	}
	if session.closed {
		t.Fatal("expected a fresh agent's session not to be closed")
	}
}
