package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

// JobSubmitter is the narrow dispatcher surface the runner needs: submit a
// step's job through the ordinary idempotency/FSM path, and cancel one that
// is no longer wanted because a sibling step failed. internal/dispatcher.
// Dispatcher implements this.
type JobSubmitter interface {
	Submit(ctx context.Context, job *db.Job) (*db.Job, bool, error)
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) error
}

// JobsReader is the narrow jobstore surface the runner needs to look up the
// workflow linkage on a transitioned job. internal/jobstore.Store implements
// this.
type JobsReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
}

// terminalFailure reports whether a job status/dead-letter pair is a
// failure the runner should treat as final for its step — a Failed/TimedOut
// job that still has retries left is not final; only one with retries
// exhausted (dead-lettered) or an explicit cancellation is.
func terminalFailure(status types.JobStatus, deadLettered bool) bool {
	if status == types.JobStatusCancelled {
		return true
	}
	return (status == types.JobStatusFailed || status == types.JobStatusTimedOut) && deadLettered
}

// Runner is the DAG-advance engine: it submits each ready step's job and,
// driven by the event bus rather than polling, advances a run whenever one
// of its step jobs reaches Completed or a final failure. Per spec.md §9's
// event-subscriber pattern, subscribers register at wiring time (Start) and
// are invoked on transition; the periodic sweep in Start is a safety net for
// transitions missed across a restart, not the primary advance path.
type Runner struct {
	store     *Store
	jobs      JobsReader
	submitter JobSubmitter
	bus       *events.Bus
	logger    *zap.Logger

	cron gocron.Scheduler
	sub  *events.Subscription
	stop chan struct{}
	done chan struct{}
}

// New constructs a Runner. Call Start to begin the event loop and the
// periodic reconcile sweep.
func New(store *Store, jobs JobsReader, submitter JobSubmitter, bus *events.Bus, logger *zap.Logger) (*Runner, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("workflow: create scheduler: %w", err)
	}
	return &Runner{
		store:     store,
		jobs:      jobs,
		submitter: submitter,
		bus:       bus,
		logger:    logger.Named("workflow"),
		cron:      cron,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start subscribes to job transitions and schedules the periodic reconcile
// sweep (every 30s — running runs whose steps never produced an event
// because the server restarted mid-transition). Call Stop to shut down.
func (r *Runner) Start(ctx context.Context) error {
	r.sub = r.bus.Subscribe(256, events.TopicJobTransition)

	if _, err := r.cron.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { r.reconcileAll(ctx) }),
	); err != nil {
		return fmt.Errorf("workflow: schedule reconcile: %w", err)
	}
	r.cron.Start()

	go r.eventLoop(ctx)
	return nil
}

// Stop shuts down the reconcile scheduler and the event loop.
func (r *Runner) Stop() error {
	close(r.stop)
	<-r.done
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	return r.cron.Shutdown()
}

func (r *Runner) eventLoop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case payload, ok := <-r.sub.C:
			if !ok {
				return
			}
			jt, ok := payload.(events.JobTransition)
			if !ok {
				continue
			}
			r.handleTransition(ctx, jt)
		}
	}
}

func (r *Runner) handleTransition(ctx context.Context, jt events.JobTransition) {
	to := types.JobStatus(jt.To)
	if to != types.JobStatusCompleted && !terminalFailure(to, jt.DeadLettered) {
		return
	}

	jobID, err := uuid.Parse(jt.JobID)
	if err != nil {
		return
	}
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil || job.WorkflowRunID == "" {
		return
	}
	runID, err := uuid.Parse(job.WorkflowRunID)
	if err != nil {
		return
	}

	if err := r.advance(ctx, runID, job.WorkflowStepID, to); err != nil {
		r.logger.Warn("advance failed",
			zap.String("run_id", runID.String()),
			zap.String("step_id", job.WorkflowStepID),
			zap.Error(err))
	}
}

// StartRun creates a run for the given definition and submits every step
// with no dependencies.
func (r *Runner) StartRun(ctx context.Context, definitionID uuid.UUID, correlationID string) (*db.WorkflowRun, error) {
	_, def, err := r.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	run, err := r.store.CreateRun(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	steps := make(map[string]stepRecord)
	ready := def.readySteps(map[string]bool{}, map[string]bool{})
	for _, step := range ready {
		if err := r.submitStep(ctx, run, def, step, correlationID, steps); err != nil {
			r.logger.Error("failed to submit initial step",
				zap.String("run_id", run.ID.String()), zap.String("step_id", step.ID), zap.Error(err))
		}
	}
	if err := saveSteps(run, steps); err != nil {
		return nil, err
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Runner) submitStep(ctx context.Context, run *db.WorkflowRun, def Definition, step Step, correlationID string, steps map[string]stepRecord) error {
	caps, err := json.Marshal(step.RequiredCapabilities)
	if err != nil {
		return err
	}
	timeout := step.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}

	job := &db.Job{
		Command:              step.Command,
		Parameters:           step.Parameters,
		Priority:             step.Priority,
		TimeoutSeconds:       timeout,
		MaxRetries:           step.MaxRetries,
		RequiredCapabilities: string(caps),
		CorrelationID:        correlationID,
		WorkflowRunID:        run.ID.String(),
		WorkflowStepID:       step.ID,
	}
	stored, _, err := r.submitter.Submit(ctx, job)
	if err != nil {
		return err
	}
	steps[step.ID] = stepRecord{JobID: stored.ID.String(), Status: stepSubmitted}
	return nil
}

// advance applies the outcome of one step's job to its run: on Completed it
// submits any step whose dependencies are now all satisfied and marks the
// run Completed once every step is done; on a final failure it cancels
// every step not yet started and marks the run Failed. Re-entrant and
// idempotent — re-applying an already-recorded outcome (from the reconcile
// sweep observing a transition the event loop already handled) is a no-op.
func (r *Runner) advance(ctx context.Context, runID uuid.UUID, stepID string, outcome types.JobStatus) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunStatusRunning {
		return nil
	}

	_, def, err := r.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return err
	}

	steps, err := loadSteps(run)
	if err != nil {
		return err
	}

	rec, ok := steps[stepID]
	if !ok || rec.Status != stepSubmitted {
		return nil // already processed, or a step this run doesn't know about
	}

	if outcome == types.JobStatusCompleted {
		rec.Status = stepCompleted
		steps[stepID] = rec

		completed := completedSet(steps)
		started := startedSet(steps)
		for _, step := range def.readySteps(completed, started) {
			if err := r.submitStep(ctx, run, def, step, "", steps); err != nil {
				r.logger.Error("failed to submit next step",
					zap.String("run_id", run.ID.String()), zap.String("step_id", step.ID), zap.Error(err))
			}
		}

		if allTerminal(def, steps) {
			now := time.Now().UTC()
			run.Status = RunStatusCompleted
			run.FinishedAt = &now
		}
	} else {
		rec.Status = stepFailed
		steps[stepID] = rec
		r.cancelDownstream(ctx, run, def, steps)

		now := time.Now().UTC()
		run.Status = RunStatusFailed
		run.FinishedAt = &now
	}

	if err := saveSteps(run, steps); err != nil {
		return err
	}
	return r.store.UpdateRun(ctx, run)
}

// cancelDownstream cancels every submitted-but-not-terminal step and marks
// every not-yet-started step skipped, since the DAG can no longer complete.
func (r *Runner) cancelDownstream(ctx context.Context, run *db.WorkflowRun, def Definition, steps map[string]stepRecord) {
	for _, step := range def.Steps {
		rec, ok := steps[step.ID]
		if !ok {
			steps[step.ID] = stepRecord{Status: stepSkipped}
			continue
		}
		if rec.Status == stepSubmitted {
			jobID, err := uuid.Parse(rec.JobID)
			if err == nil {
				if err := r.submitter.Cancel(ctx, jobID, "workflow: sibling step failed"); err != nil && err != orcherr.ErrTerminalJob {
					r.logger.Warn("cancel downstream step failed",
						zap.String("run_id", run.ID.String()), zap.String("step_id", step.ID), zap.Error(err))
				}
			}
			rec.Status = stepCancelled
			steps[step.ID] = rec
		}
	}
}

func completedSet(steps map[string]stepRecord) map[string]bool {
	m := make(map[string]bool, len(steps))
	for id, rec := range steps {
		if rec.Status == stepCompleted {
			m[id] = true
		}
	}
	return m
}

func startedSet(steps map[string]stepRecord) map[string]bool {
	m := make(map[string]bool, len(steps))
	for id := range steps {
		m[id] = true
	}
	return m
}

func allTerminal(def Definition, steps map[string]stepRecord) bool {
	for _, step := range def.Steps {
		rec, ok := steps[step.ID]
		if !ok || rec.Status == stepSubmitted {
			return false
		}
	}
	return true
}

// reconcileAll re-checks every running run's submitted-but-unresolved steps
// against the job store directly, in case a job transitioned to a terminal
// state while nothing was subscribed to the bus (a server restart between
// the transition and the run's prior liveness). This is the one place the
// runner polls rather than reacting to an event; it exists purely as a
// crash-recovery backstop.
func (r *Runner) reconcileAll(ctx context.Context) {
	runs, err := r.store.RunningRuns(ctx)
	if err != nil {
		r.logger.Error("reconcile: list running runs failed", zap.Error(err))
		return
	}

	for i := range runs {
		run := &runs[i]
		steps, err := loadSteps(run)
		if err != nil {
			continue
		}
		for stepID, rec := range steps {
			if rec.Status != stepSubmitted || rec.JobID == "" {
				continue
			}
			jobID, err := uuid.Parse(rec.JobID)
			if err != nil {
				continue
			}
			job, err := r.jobs.GetByID(ctx, jobID)
			if err != nil {
				continue
			}
			status := types.JobStatus(job.Status)
			if status == types.JobStatusCompleted || terminalFailure(status, job.DeadLettered) {
				if err := r.advance(ctx, run.ID, stepID, status); err != nil {
					r.logger.Warn("reconcile advance failed",
						zap.String("run_id", run.ID.String()), zap.String("step_id", stepID), zap.Error(err))
				}
			}
		}
	}
}
