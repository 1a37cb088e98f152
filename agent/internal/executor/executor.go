// Package executor runs job assignments received from the server against a
// registry of named command handlers. It sits between the connection manager
// (which receives assignments and reports outcomes over the Session stream)
// and the handlers themselves — the executor owns sequencing and the
// ack/progress/result contract; handlers own only what it means to run one
// command.
//
// Commands are opaque strings and parameters are opaque bytes, per the
// orchestration core's contract — the executor never interprets a job's
// business meaning. It ships a small set of reference handlers ("echo",
// "shell.exec", "docker.inspect_volume") that demonstrate the handler
// interface; a real deployment registers its own.
//
// The executor runs one job at a time (sequential execution). The server's
// dispatcher may keep several jobs outstanding on one agent (up to its
// per-agent queue capacity, 16 by default); the executor buffers them and
// runs them in arrival order.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// JobAssignment is the agent-side representation of one assigned job.
type JobAssignment struct {
	JobID      string
	Command    string
	Parameters []byte
	Timeout    time.Duration
	Metadata   map[string]string
}

// ProgressFunc reports fractional completion and a human-readable message
// for the running job. Handlers call it as often as makes sense; it is a
// no-op to never call it at all.
type ProgressFunc func(percent float64, message string)

// LogFunc streams one line of handler output back to the server as a
// ReportStream chunk.
type LogFunc func(line string)

// Handler runs one command to completion. Returning a non-nil error fails
// the job; the error's message becomes the job's error_message. result is
// opaque bytes stored on the job record verbatim.
type Handler func(ctx context.Context, job JobAssignment, progress ProgressFunc, log LogFunc) (result []byte, err error)

// Reporter is implemented by the connection manager. The executor calls it
// to ack-or-reject an assignment, then to report progress/log lines/the
// final result as the handler runs.
type Reporter interface {
	AckJob(jobID string)
	NackJob(jobID, reason string)
	ReportProgress(jobID string, percent float64, message string)
	ReportStream(jobID string, line string)
	ReportResult(jobID string, succeeded bool, result []byte, errorCode, errorMsg string)
}

// queueSize bounds the number of assignments buffered while one job runs.
// It equals the dispatcher's default per-agent queue capacity; jobs beyond
// this limit are rejected (NACKed) and redelivered by the dispatcher's normal
// retry path.
const queueSize = 16

// Executor runs one job at a time from a queue of assignments, dispatching
// each to the handler registered for its Command.
type Executor struct {
	handlers map[string]Handler
	queue    chan JobAssignment
	logger   *zap.Logger
}

// New creates an Executor with no handlers registered. Call RegisterHandler
// before Run to give it something to do.
func New(logger *zap.Logger) *Executor {
	return &Executor{
		handlers: make(map[string]Handler),
		queue:    make(chan JobAssignment, queueSize),
		logger:   logger.Named("executor"),
	}
}

// RegisterHandler binds a command name to the handler that executes it.
// Registering the same name twice replaces the previous handler.
func (e *Executor) RegisterHandler(command string, h Handler) {
	e.handlers[command] = h
}

// Enqueue adds a job to the queue. Returns an error if the queue is full;
// the caller should NackJob immediately rather than silently drop it so the
// dispatcher reassigns without waiting for a timeout.
func (e *Executor) Enqueue(job JobAssignment) error {
	select {
	case e.queue <- job:
		e.logger.Info("job enqueued", zap.String("job_id", job.JobID), zap.String("command", job.Command))
		return nil
	default:
		return fmt.Errorf("executor: queue full, rejecting job %s", job.JobID)
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled, executing
// one job at a time from the queue and reporting outcomes through rep.
func (e *Executor) Run(ctx context.Context, rep Reporter) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case job := <-e.queue:
			e.execute(ctx, job, rep)
		}
	}
}

func (e *Executor) execute(ctx context.Context, job JobAssignment, rep Reporter) {
	handler, ok := e.handlers[job.Command]
	if !ok {
		e.logger.Warn("no handler registered for command", zap.String("command", job.Command))
		rep.NackJob(job.JobID, fmt.Sprintf("no handler registered for command %q", job.Command))
		return
	}

	rep.AckJob(job.JobID)

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	progress := func(percent float64, message string) { rep.ReportProgress(job.JobID, percent, message) }
	log := func(line string) { rep.ReportStream(job.JobID, line) }

	e.logger.Info("job started", zap.String("job_id", job.JobID), zap.String("command", job.Command))

	result, err := handler(runCtx, job, progress, log)
	if err != nil {
		e.logger.Error("job failed", zap.String("job_id", job.JobID), zap.Error(err))
		rep.ReportResult(job.JobID, false, nil, "execution_failed", err.Error())
		return
	}

	e.logger.Info("job completed", zap.String("job_id", job.JobID))
	rep.ReportResult(job.JobID, true, result, "", "")
}
