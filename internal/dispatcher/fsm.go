package dispatcher

import (
	"fmt"

	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

// Trigger names the table's explicit triggers. The table below is the
// complete transition semantics for a job — there is no fluent builder
// behind it, and no transition outside this table is reachable.
type Trigger string

const (
	TriggerAssign       Trigger = "Assign"
	TriggerCancel       Trigger = "Cancel"
	TriggerTimeoutNoAck Trigger = "TimeoutNoAck" // Pending/Assigned -> depends
	TriggerStart        Trigger = "Start"        // ACK
	TriggerReject       Trigger = "Reject"       // NACK or disconnect-induced NACK
	TriggerComplete     Trigger = "Complete"
	TriggerFail         Trigger = "Fail"
	TriggerTimeout      Trigger = "Timeout" // execution timeout while Running
	TriggerRetry        Trigger = "Retry"
)

type transitionKey struct {
	from    types.JobStatus
	trigger Trigger
}

// transitionTable is the authoritative set of valid transitions.
// attemptIncrementingTriggers (below) marks the triggers that bump
// Job.AttemptCount; the Retry transitions are guarded
// by attemptCount <= maxRetries at call time, not encoded here.
var transitionTable = map[transitionKey]types.JobStatus{
	{types.JobStatusPending, TriggerAssign}: types.JobStatusAssigned,
	{types.JobStatusPending, TriggerCancel}: types.JobStatusCancelled,
	{types.JobStatusPending, TriggerTimeoutNoAck}: types.JobStatusTimedOut,

	{types.JobStatusAssigned, TriggerStart}:        types.JobStatusRunning,
	{types.JobStatusAssigned, TriggerReject}:       types.JobStatusPending,
	{types.JobStatusAssigned, TriggerTimeoutNoAck}: types.JobStatusPending,
	{types.JobStatusAssigned, TriggerCancel}:       types.JobStatusCancelled,

	{types.JobStatusRunning, TriggerComplete}: types.JobStatusCompleted,
	{types.JobStatusRunning, TriggerFail}:     types.JobStatusFailed,
	{types.JobStatusRunning, TriggerCancel}:   types.JobStatusCancelled,
	{types.JobStatusRunning, TriggerTimeout}:  types.JobStatusTimedOut,

	{types.JobStatusFailed, TriggerRetry}:   types.JobStatusPending,
	{types.JobStatusTimedOut, TriggerRetry}: types.JobStatusPending,
}

// attemptIncrementingTriggers bump Job.AttemptCount on firing — every
// trigger that concludes a dispatch attempt unsuccessfully (a missed ACK, an
// explicit NACK, a disconnect-induced reject, an execution failure, or an
// execution timeout) counts against maxRetries. Retry itself does not
// increment: it only moves an already-counted failure back to Pending for
// reassignment.
var attemptIncrementingTriggers = map[Trigger]bool{
	TriggerTimeoutNoAck: true,
	TriggerReject:       true,
	TriggerFail:         true,
	TriggerTimeout:      true,
}

func terminalStatus(s types.JobStatus) bool {
	switch s {
	case types.JobStatusCompleted, types.JobStatusCancelled:
		return true
	default:
		return false
	}
}

// exhaustedTerminal reports whether Failed/TimedOut should be treated as
// terminal because no retry budget remains.
func exhaustedTerminal(status types.JobStatus, attemptCount, maxRetries int) bool {
	if status != types.JobStatusFailed && status != types.JobStatusTimedOut {
		return false
	}
	return attemptCount > maxRetries
}

// fire looks up the table entry for (from, trigger). ok is false if the
// transition is not in the table — callers must treat that as a no-op on a
// terminal or otherwise illegal source state. Terminal states are
// write-once: any subsequent transition is a no-op.
func fire(from types.JobStatus, trigger Trigger) (to types.JobStatus, incrementsAttempt bool, ok bool) {
	to, ok = transitionTable[transitionKey{from, trigger}]
	return to, attemptIncrementingTriggers[trigger], ok
}

// illegalTransitionError wraps orcherr.ErrIllegalTransition with contextual
// detail, returned by the dispatcher's Fire entry point on a table miss.
func illegalTransitionError(from types.JobStatus, trigger Trigger) error {
	return fmt.Errorf("%w: trigger %q from state %q", orcherr.ErrIllegalTransition, trigger, from)
}
