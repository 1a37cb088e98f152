package dispatcher

import (
	"errors"
	"testing"

	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

func TestFire_ValidTransitions(t *testing.T) {
	cases := []struct {
		name        string
		from        types.JobStatus
		trigger     Trigger
		wantTo      types.JobStatus
		wantIncr    bool
	}{
		{"assign", types.JobStatusPending, TriggerAssign, types.JobStatusAssigned, false},
		{"cancel pending", types.JobStatusPending, TriggerCancel, types.JobStatusCancelled, false},
		{"no ack", types.JobStatusPending, TriggerTimeoutNoAck, types.JobStatusTimedOut, true},
		{"ack starts", types.JobStatusAssigned, TriggerStart, types.JobStatusRunning, false},
		{"nack reverts", types.JobStatusAssigned, TriggerReject, types.JobStatusPending, true},
		{"assigned timeout reverts", types.JobStatusAssigned, TriggerTimeoutNoAck, types.JobStatusPending, true},
		{"cancel assigned", types.JobStatusAssigned, TriggerCancel, types.JobStatusCancelled, false},
		{"complete", types.JobStatusRunning, TriggerComplete, types.JobStatusCompleted, false},
		{"fail", types.JobStatusRunning, TriggerFail, types.JobStatusFailed, true},
		{"cancel running", types.JobStatusRunning, TriggerCancel, types.JobStatusCancelled, false},
		{"exec timeout", types.JobStatusRunning, TriggerTimeout, types.JobStatusTimedOut, true},
		{"retry from failed", types.JobStatusFailed, TriggerRetry, types.JobStatusPending, false},
		{"retry from timed out", types.JobStatusTimedOut, TriggerRetry, types.JobStatusPending, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, incr, ok := fire(tc.from, tc.trigger)
			if !ok {
				t.Fatalf("expected %s/%s to be a legal transition", tc.from, tc.trigger)
			}
			if to != tc.wantTo {
				t.Fatalf("fire(%s, %s) = %s, want %s", tc.from, tc.trigger, to, tc.wantTo)
			}
			if incr != tc.wantIncr {
				t.Fatalf("fire(%s, %s) incrementsAttempt = %v, want %v", tc.from, tc.trigger, incr, tc.wantIncr)
			}
		})
	}
}

func TestFire_IllegalTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    types.JobStatus
		trigger Trigger
	}{
		{"cannot start from pending", types.JobStatusPending, TriggerStart},
		{"cannot complete from pending", types.JobStatusPending, TriggerComplete},
		{"cannot assign an already-assigned job", types.JobStatusAssigned, TriggerAssign},
		{"cannot retry a running job", types.JobStatusRunning, TriggerRetry},
		{"completed is terminal", types.JobStatusCompleted, TriggerCancel},
		{"cancelled is terminal", types.JobStatusCancelled, TriggerRetry},
		{"dead_letter status has no transitions", types.JobStatusDeadLetter, TriggerRetry},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, ok := fire(tc.from, tc.trigger); ok {
				t.Fatalf("expected %s/%s to be rejected by the transition table", tc.from, tc.trigger)
			}
		})
	}
}

func TestIllegalTransitionError_WrapsSentinel(t *testing.T) {
	err := illegalTransitionError(types.JobStatusCompleted, TriggerCancel)
	if !errors.Is(err, orcherr.ErrIllegalTransition) {
		t.Fatalf("expected illegalTransitionError to wrap orcherr.ErrIllegalTransition, got %v", err)
	}
}

func TestTerminalStatus(t *testing.T) {
	terminal := []types.JobStatus{types.JobStatusCompleted, types.JobStatusCancelled}
	for _, s := range terminal {
		if !terminalStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []types.JobStatus{
		types.JobStatusPending, types.JobStatusAssigned, types.JobStatusRunning,
		types.JobStatusFailed, types.JobStatusTimedOut, types.JobStatusDeadLetter,
	}
	for _, s := range nonTerminal {
		if terminalStatus(s) {
			t.Errorf("expected %s not to be terminal (retry exhaustion sets the DeadLettered flag; the dead_letter status is never produced by the FSM table)", s)
		}
	}
}

func TestExhaustedTerminal(t *testing.T) {
	if exhaustedTerminal(types.JobStatusFailed, 2, 2) {
		t.Error("attemptCount == maxRetries should still have a retry available")
	}
	if !exhaustedTerminal(types.JobStatusFailed, 3, 2) {
		t.Error("attemptCount > maxRetries should be exhausted")
	}
	if exhaustedTerminal(types.JobStatusRunning, 5, 2) {
		t.Error("a non-Failed/TimedOut status is never exhausted regardless of attempt count")
	}
	if exhaustedTerminal(types.JobStatusTimedOut, 0, 2) {
		t.Error("attemptCount below maxRetries should not be exhausted")
	}
}
