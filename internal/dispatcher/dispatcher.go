// Package dispatcher implements C5: the per-job state machine (fsm.go), the
// eligible-agent selection and per-agent bounded send queues, the deadline
// timer wheel (timers.go), and the resilience wrapper around outbound hub
// calls (resilience.go). The FSM table replaces the source's fluent
// state-machine library rather than an embedded state-machine library — the
// table in fsm.go is the whole of the transition semantics.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/server/internal/registry"
	"github.com/fleetmesh/shared/rpc"
	"github.com/fleetmesh/shared/types"
)

// HubSender is the narrow outbound surface the dispatcher needs from the
// hub (C6). internal/hub implements this; kept separate so the dispatcher
// does not depend on the hub's session/transport internals.
type HubSender interface {
	SendAssignJob(ctx context.Context, agentID string, payload rpc.AssignJobPayload) error
	SendCancelJob(ctx context.Context, agentID string, jobID uuid.UUID, reason string) error
}

// Config holds the dispatcher's tunables; all have sane defaults.
type Config struct {
	AckTimeout       time.Duration // T_ack, default 10s
	PerAgentQueue    int           // C_agent, default 16
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	TickInterval     time.Duration
	lockShards       int
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PerAgentQueue <= 0 {
		c.PerAgentQueue = 16
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 1 * time.Second
	}
	if c.lockShards <= 0 {
		c.lockShards = 64
	}
}

// Dispatcher is C5. The zero value is not usable — create instances with New.
type Dispatcher struct {
	cfg Config

	jobs     *jobstore.Store
	agents   *registry.Registry
	hub      HubSender
	bus      *events.Bus
	resil    *Resilience
	logger   *zap.Logger

	locks []sync.Mutex

	timerMu sync.Mutex
	timers  *timerWheel
	wake    chan struct{}

	// perAgentOutstanding tracks in-flight (Assigned+Running) job counts per
	// agent, used for least-loaded selection without a DB round trip per
	// dispatch decision.
	loadMu              sync.Mutex
	perAgentOutstanding map[string]int
	perAgentLastAssign  map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New constructs a Dispatcher. Call Start to begin the tick/timer loop and
// Recover to rebuild in-memory state from the job store after a restart.
func New(jobs *jobstore.Store, agents *registry.Registry, hub HubSender, bus *events.Bus, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:                 cfg,
		jobs:                jobs,
		agents:              agents,
		hub:                 hub,
		bus:                 bus,
		resil:               NewResilience(ResilienceConfig{HardTimeout: cfg.AckTimeout}, logger),
		logger:              logger.Named("dispatcher"),
		locks:               make([]sync.Mutex, cfg.lockShards),
		timers:              newTimerWheel(),
		wake:                make(chan struct{}, 1),
		perAgentOutstanding: make(map[string]int),
		perAgentLastAssign:  make(map[string]time.Time),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

func (d *Dispatcher) lockFor(id uuid.UUID) func() {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	idx := int(h.Sum32()) % len(d.locks)
	if idx < 0 {
		idx += len(d.locks)
	}
	d.locks[idx].Lock()
	return d.locks[idx].Unlock
}

// Recover replays non-terminal jobs from the store to rebuild per-agent
// outstanding counts and re-arm timers so in-memory indexes match the
// persisted job state after a restart.
func (d *Dispatcher) Recover(ctx context.Context) error {
	jobs, err := d.jobs.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: recover: %w", err)
	}

	now := time.Now().UTC()
	for i := range jobs {
		j := &jobs[i]
		switch types.JobStatus(j.Status) {
		case types.JobStatusAssigned:
			if j.AssignedAgentID != "" {
				d.bumpOutstanding(j.AssignedAgentID, 1)
			}
			d.armTimer(j.ID, timerAckDeadline, now.Add(d.cfg.AckTimeout))
		case types.JobStatusRunning:
			if j.AssignedAgentID != "" {
				d.bumpOutstanding(j.AssignedAgentID, 1)
			}
			d.armTimer(j.ID, timerExecDeadline, now.Add(time.Duration(j.TimeoutSeconds)*time.Second))
		}
	}
	d.logger.Info("dispatcher recovered in-memory state", zap.Int("non_terminal_jobs", len(jobs)))
	return nil
}

// Start launches the background tick/timer goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop terminates the background goroutine and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		sleep := d.cfg.TickInterval
		if deadline, ok := d.peekDeadline(); ok {
			if until := time.Until(deadline); until < sleep {
				if until < 0 {
					until = 0
				}
				sleep = until
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-d.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-ticker.C:
			timer.Stop()
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}

		d.drainExpiredTimers(ctx)
		d.dispatchPending(ctx)
	}
}

func (d *Dispatcher) peekDeadline() (time.Time, bool) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	return d.timers.peekDeadline()
}

func (d *Dispatcher) armTimer(jobID uuid.UUID, kind timerKind, deadline time.Time) {
	d.timerMu.Lock()
	d.timers.arm(jobID, kind, deadline)
	d.timerMu.Unlock()
	d.wakeLoop()
}

func (d *Dispatcher) disarmTimer(jobID uuid.UUID, kind timerKind) {
	d.timerMu.Lock()
	d.timers.disarm(jobID, kind)
	d.timerMu.Unlock()
}

func (d *Dispatcher) wakeLoop() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) drainExpiredTimers(ctx context.Context) {
	now := time.Now().UTC()
	for {
		d.timerMu.Lock()
		deadline, ok := d.timers.peekDeadline()
		if !ok || deadline.After(now) {
			d.timerMu.Unlock()
			return
		}
		item, _ := d.timers.next()
		d.timerMu.Unlock()

		switch item.kind {
		case timerAckDeadline:
			if err := d.Fire(ctx, item.jobID, TriggerTimeoutNoAck); err != nil {
				d.logger.Warn("ack timeout transition failed", zap.String("job_id", item.jobID.String()), zap.Error(err))
			}
		case timerExecDeadline:
			if err := d.Fire(ctx, item.jobID, TriggerTimeout); err != nil {
				d.logger.Warn("execution timeout transition failed", zap.String("job_id", item.jobID.String()), zap.Error(err))
			}
		case timerRetryDeadline:
			if err := d.Fire(ctx, item.jobID, TriggerRetry); err != nil {
				d.logger.Warn("retry transition failed", zap.String("job_id", item.jobID.String()), zap.Error(err))
			}
		}
	}
}

// Submit creates a new job (or returns the existing one on an idempotency
// hit) and makes it eligible for the next dispatch pass. Submission never
// blocks on agent availability — the caller receives Accepted immediately.
func (d *Dispatcher) Submit(ctx context.Context, job *db.Job) (*db.Job, bool, error) {
	job.Status = string(types.JobStatusPending)
	stored, created, err := d.jobs.Submit(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		d.bus.Publish(events.TopicJobSubmitted, events.JobTransition{JobID: stored.ID.String(), To: string(types.JobStatusPending)})
		d.wakeLoop()
	}
	return stored, created, nil
}

// Cancel transitions a job to Cancelled, propagating CancelJob to the owning
// agent if the job is currently in flight.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	unlock := d.lockFor(jobID)
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		unlock()
		return err
	}

	current := types.JobStatus(job.Status)
	agentID := job.AssignedAgentID
	inFlight := current == types.JobStatusAssigned || current == types.JobStatusRunning

	err = d.applyTransition(ctx, job, TriggerCancel)
	unlock()
	if err != nil {
		return err
	}

	if inFlight && agentID != "" {
		_ = d.resil.Call(ctx, "hub.cancel_job", func(ctx context.Context) error {
			return d.hub.SendCancelJob(ctx, agentID, jobID, reason)
		})
	}
	return nil
}

// Fire applies a named trigger to a job, serialized per job id via the
// sharded lock table. Firing a trigger not in the transition table for the
// job's current state is a no-op on terminal states and an error otherwise.
func (d *Dispatcher) Fire(ctx context.Context, jobID uuid.UUID, trigger Trigger) error {
	unlock := d.lockFor(jobID)
	defer unlock()

	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return d.applyTransition(ctx, job, trigger)
}

// applyTransition must be called with the job's shard lock held.
func (d *Dispatcher) applyTransition(ctx context.Context, job *db.Job, trigger Trigger) error {
	current := types.JobStatus(job.Status)

	if terminalStatus(current) || exhaustedTerminal(current, job.AttemptCount, job.MaxRetries) {
		// Terminal states are write-once: further transitions are a no-op.
		return nil
	}

	to, incAttempt, ok := fire(current, trigger)
	if !ok {
		return illegalTransitionError(current, trigger)
	}

	now := time.Now().UTC()
	from := current
	job.Status = string(to)
	if incAttempt {
		job.AttemptCount++
	}

	switch to {
	case types.JobStatusAssigned:
		job.AssignedAt = &now
		d.armTimer(job.ID, timerAckDeadline, now.Add(d.cfg.AckTimeout))
	case types.JobStatusRunning:
		d.disarmTimer(job.ID, timerAckDeadline)
		job.StartedAt = &now
		d.armTimer(job.ID, timerExecDeadline, now.Add(time.Duration(job.TimeoutSeconds)*time.Second))
	case types.JobStatusPending:
		d.disarmTimer(job.ID, timerAckDeadline)
		d.disarmTimer(job.ID, timerExecDeadline)
		if job.AssignedAgentID != "" {
			d.bumpOutstanding(job.AssignedAgentID, -1)
		}
		job.AssignedAgentID = ""
	case types.JobStatusCompleted, types.JobStatusCancelled:
		d.disarmTimer(job.ID, timerAckDeadline)
		d.disarmTimer(job.ID, timerExecDeadline)
		d.disarmTimer(job.ID, timerRetryDeadline)
		job.CompletedAt = &now
		if job.AssignedAgentID != "" {
			d.bumpOutstanding(job.AssignedAgentID, -1)
		}
	case types.JobStatusFailed, types.JobStatusTimedOut:
		d.disarmTimer(job.ID, timerAckDeadline)
		d.disarmTimer(job.ID, timerExecDeadline)
		if job.AssignedAgentID != "" {
			d.bumpOutstanding(job.AssignedAgentID, -1)
		}
		if job.AttemptCount <= job.MaxRetries {
			delay := backoffDelay(d.cfg.RetryBaseDelay, d.cfg.RetryMaxDelay, job.AttemptCount)
			d.armTimer(job.ID, timerRetryDeadline, now.Add(delay))
		} else {
			// Retries exhausted: job.Status stays Failed/TimedOut (the value
			// already set above from the transition table) — dead-letter
			// membership is recorded separately so a status query still
			// returns the real terminal status rather than a third value.
			job.DeadLettered = true
			d.bus.Publish(events.TopicAlert, events.Alert{
				Component: "dispatcher",
				Message:   fmt.Sprintf("job %s exhausted %d retries and moved to dead_letter", job.ID, job.MaxRetries),
			})
		}
	}

	if err := d.jobs.Update(ctx, job); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{"trigger": string(trigger)})
	_ = d.jobs.AppendEvent(ctx, &db.JobEvent{
		JobID:     job.ID,
		Sequence:  int64(job.AttemptCount),
		Type:      string(trigger),
		Payload:   string(payload),
		Timestamp: now,
	})

	d.bus.Publish(events.TopicJobTransition, events.JobTransition{
		JobID: job.ID.String(), From: string(from), To: job.Status, Trigger: string(trigger),
		DeadLettered: job.DeadLettered,
	})

	if to == types.JobStatusPending {
		d.wakeLoop()
	}
	return nil
}

// OnDisconnect is called by the registry/hub when an agent transitions to
// Disconnected: every Assigned/Running job of that agent fires Reject,
// returning it to Pending subject to the retry policy — reassignment on
// disconnect.
func (d *Dispatcher) OnDisconnect(ctx context.Context, agentID string, jobIDs []uuid.UUID) {
	for _, id := range jobIDs {
		if err := d.Fire(ctx, id, TriggerReject); err != nil {
			d.logger.Warn("disconnect-induced reject failed", zap.String("job_id", id.String()), zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) bumpOutstanding(agentID string, delta int) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	d.perAgentOutstanding[agentID] += delta
	if d.perAgentOutstanding[agentID] < 0 {
		d.perAgentOutstanding[agentID] = 0
	}
}

// dispatchPending attempts to assign every currently Pending job eligible
// for dispatch. Capacity backpressure (no eligible agent, agent queue at
// capacity) leaves the job silently Pending for the next tick — per spec,
// "nothing to reconcile" since no transition fired.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	pending, _, err := d.jobs.List(ctx, jobstore.ListOptions{Limit: 500, Status: types.JobStatusPending})
	if err != nil {
		d.logger.Error("failed to list pending jobs", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for i := range pending {
		job := &pending[i]
		agentID, ok := d.selectAgent(job)
		if !ok {
			continue // orcherr.ErrNoEligibleAgent: stays Pending, retried next tick
		}

		d.loadMu.Lock()
		if d.perAgentOutstanding[agentID] >= d.cfg.PerAgentQueue {
			d.loadMu.Unlock()
			continue // orcherr.ErrQueueFull: stays Pending
		}
		d.loadMu.Unlock()

		if err := d.assignTo(ctx, job, agentID); err != nil {
			d.logger.Warn("assignment failed, job remains pending", zap.String("job_id", job.ID.String()), zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// selectAgent implements the selection order: explicit target, else
// capability-filtered eligible set, least-loaded first, ties by earliest
// last-assignment time.
func (d *Dispatcher) selectAgent(job *db.Job) (string, bool) {
	if job.TargetAgentID != "" {
		presence, ok := d.agents.Get(job.TargetAgentID)
		if !ok || presence.Status != types.AgentStatusReady {
			return "", false
		}
		return job.TargetAgentID, true
	}

	var required []types.Capability
	_ = json.Unmarshal([]byte(job.RequiredCapabilities), &required)

	candidates := d.eligibleByCapabilities(required)
	if len(candidates) == 0 {
		return "", false
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := d.perAgentOutstanding[candidates[i].ID], d.perAgentOutstanding[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return d.perAgentLastAssign[candidates[i].ID].Before(d.perAgentLastAssign[candidates[j].ID])
	})
	return candidates[0].ID, true
}

func (d *Dispatcher) eligibleByCapabilities(required []types.Capability) []registry.Presence {
	if len(required) == 0 {
		all := d.agents.All()
		out := all[:0:0]
		for _, p := range all {
			if p.Status == types.AgentStatusReady || p.Status == types.AgentStatusRunning {
				out = append(out, p)
			}
		}
		return out
	}

	// Intersect the candidate sets for each required capability.
	var candidates []registry.Presence
	seen := map[string]int{}
	for _, req := range required {
		for _, p := range d.agents.ByCapability(req.Name) {
			seen[p.ID]++
		}
	}
	for _, p := range d.agents.All() {
		if seen[p.ID] == len(required) {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func (d *Dispatcher) assignTo(ctx context.Context, job *db.Job, agentID string) error {
	unlock := d.lockFor(job.ID)
	fresh, err := d.jobs.GetByID(ctx, job.ID)
	if err != nil {
		unlock()
		return err
	}
	if types.JobStatus(fresh.Status) != types.JobStatusPending {
		unlock() // raced with another transition; skip this tick
		return nil
	}
	fresh.AssignedAgentID = agentID
	if err := d.applyTransition(ctx, fresh, TriggerAssign); err != nil {
		unlock()
		return err
	}
	unlock()

	d.loadMu.Lock()
	d.perAgentOutstanding[agentID]++
	d.perAgentLastAssign[agentID] = time.Now().UTC()
	d.loadMu.Unlock()

	var meta map[string]string
	_ = json.Unmarshal([]byte(fresh.Metadata), &meta)

	payload := rpc.AssignJobPayload{
		JobID:      fresh.ID.String(),
		Command:    fresh.Command,
		Parameters: fresh.Parameters,
		Priority:   fresh.Priority,
		Timeout:    time.Duration(fresh.TimeoutSeconds) * time.Second,
		Metadata:   meta,
	}

	sendErr := d.resil.Call(ctx, "hub.assign_job:"+agentID, func(ctx context.Context) error {
		return d.hub.SendAssignJob(ctx, agentID, payload)
	})
	if sendErr != nil && !orcherr.IsTransient(sendErr) {
		// Non-transient send failure (e.g. session already gone): treat like
		// an immediate NACK so the job is retried rather than stuck waiting
		// on an ack timer that will never be satisfied.
		return d.Fire(ctx, fresh.ID, TriggerReject)
	}
	return sendErr
}
