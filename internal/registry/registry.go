// Package registry maintains the in-memory presence table of connected
// agents: their live status (the Created→Stopped FSM), capability and group
// secondary indices, and heartbeat-driven disconnection. The concurrency
// shape (sync.RWMutex guarding a map keyed by agent id, Register/Deregister/
// snapshot-returning accessors) follows an agent-manager shape;
// the status FSM and secondary indices generalize it.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/shared/types"
)

// Session is the narrow interface the registry needs from whatever owns the
// agent's live transport (internal/hub). Keeping the registry's dependency
// on the hub this small means the hub can evolve its wire protocol without
// the registry caring.
type Session interface {
	// AgentID is the agent this session belongs to.
	AgentID() string
	// Close tears down the underlying transport, e.g. after a stale-agent
	// sweep disconnects for missed heartbeats.
	Close() error
}

// Presence is a snapshot of one connected agent.
type Presence struct {
	ID              string
	DisplayName     string
	Group           string
	Capabilities    []types.Capability
	Status          types.AgentStatus
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

type entry struct {
	Presence
	session Session
}

// Registry is the in-memory agent presence table. Safe for concurrent use.
// The zero value is not usable — create instances with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *zap.Logger

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Config controls the heartbeat monitor's timing.
type Config struct {
	// HeartbeatTimeout is how long without a heartbeat before an agent is
	// transitioned to Disconnected. Default 30s.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the monitor goroutine scans for stale
	// agents. Default 15s.
	SweepInterval time.Duration
}

// New creates a Registry. Call StartHeartbeatMonitor to begin sweeping for
// stale connections.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Registry{
		agents:           make(map[string]*entry),
		logger:           logger.Named("registry"),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepInterval:    cfg.SweepInterval,
		stopSweep:        make(chan struct{}),
	}
}

// Register adds or replaces an agent's live session, setting Status to
// Initializing. A pre-existing session for the same id is closed and
// replaced — mirroring a "replace and warn" duplicate-connect
// handling.
func (r *Registry) Register(id, displayName, group string, caps []types.Capability, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.agents[id]; exists {
		r.logger.Warn("replacing existing agent session",
			zap.String("agent_id", id), zap.String("display_name", displayName))
		_ = old.session.Close()
	}

	now := time.Now().UTC()
	r.agents[id] = &entry{
		Presence: Presence{
			ID:              id,
			DisplayName:     displayName,
			Group:           group,
			Capabilities:    caps,
			Status:          types.AgentStatusInitializing,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
		session: session,
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", id), zap.String("group", group), zap.Int("total", len(r.agents)))
}

// Deregister removes an agent, marking it Disconnected in the log line but
// dropping it from the live table entirely — a reconnect re-registers fresh.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return
	}
	delete(r.agents, id)

	r.logger.Info("agent deregistered",
		zap.String("agent_id", id),
		zap.Duration("session_duration", time.Since(e.ConnectedAt)),
		zap.Int("total", len(r.agents)))
}

// UpdateStatus applies a status transition. The registry does not validate
// the transition against the full FSM table — that authority belongs to
// whatever component drives agent lifecycle (the hub, on Register/Heartbeat/
// explicit admin action); the registry just records the result.
func (r *Registry) UpdateStatus(id string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("registry: agent %s is not registered", id)
	}
	e.Status = status
	return nil
}

// Heartbeat records a liveness beat and, if the agent was Disconnected,
// brings it back to Ready.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("registry: agent %s is not registered", id)
	}
	e.LastHeartbeatAt = time.Now().UTC()
	if e.Status == types.AgentStatusDisconnected {
		e.Status = types.AgentStatusReady
	}
	return nil
}

// Get returns a snapshot of one agent's presence.
func (r *Registry) Get(id string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.agents[id]
	if !exists {
		return Presence{}, false
	}
	return e.Presence, true
}

// IsConnected reports whether id currently has a live session.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[id]
	return exists
}

// All returns a snapshot of every connected agent.
func (r *Registry) All() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Presence, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.Presence)
	}
	return out
}

// ByGroup returns every connected agent in the given group.
func (r *Registry) ByGroup(group string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Presence
	for _, e := range r.agents {
		if e.Group == group {
			out = append(out, e.Presence)
		}
	}
	return out
}

// ByCapability returns every connected, Ready-or-Running agent advertising a
// capability with the given name. Used by the dispatcher's eligible-agent
// selection.
func (r *Registry) ByCapability(name string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Presence
	for _, e := range r.agents {
		if e.Status != types.AgentStatusReady && e.Status != types.AgentStatusRunning {
			continue
		}
		for _, c := range e.Capabilities {
			if c.Name == name {
				out = append(out, e.Presence)
				break
			}
		}
	}
	return out
}

// WaitForAgent blocks until the agent connects or ctx is cancelled. Polls
// every 500ms — not a hot loop.
func (r *Registry) WaitForAgent(ctx context.Context, id string) error {
	for {
		if r.IsConnected(id) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("registry: timed out waiting for agent %s: %w", id, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// StartHeartbeatMonitor launches the background sweep goroutine that
// transitions agents past heartbeatTimeout to Disconnected and closes their
// session. Call Stop to terminate it.
func (r *Registry) StartHeartbeatMonitor() {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopSweep:
				return
			case <-ticker.C:
				r.sweepStale()
			}
		}
	}()
}

// Stop terminates the heartbeat monitor goroutine. Safe to call multiple
// times or never (if StartHeartbeatMonitor was never called).
func (r *Registry) Stop() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepStale() {
	now := time.Now().UTC()

	r.mu.Lock()
	var stale []*entry
	for _, e := range r.agents {
		if e.Status == types.AgentStatusDisconnected {
			continue
		}
		if now.Sub(e.LastHeartbeatAt) > r.heartbeatTimeout {
			e.Status = types.AgentStatusDisconnected
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.logger.Warn("agent missed heartbeat deadline, marking disconnected",
			zap.String("agent_id", e.ID),
			zap.Duration("since_last_heartbeat", now.Sub(e.LastHeartbeatAt)))
		_ = e.session.Close()
	}
}
