package hub

import (
	"context"
	"sync"

	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/rpc"
)

// session is one agent's live bidirectional stream plus the bookkeeping
// needed to enforce the per-job delivery invariants: exactly one
// ack-or-synthetic-NACK per assignment, strictly increasing contiguous
// stream sequence numbers, and idempotent ReportResult. gRPC streams are not
// safe for concurrent Send calls, so every outbound envelope funnels through
// one writePump goroutine per session — the same single-writer shape as the
// teacher's websocket.Client write pump.
type session struct {
	agentID string
	stream  rpc.Hub_SessionServer

	// cancel tears down the context the read loop blocks on, so a session
	// closed by something other than the agent itself (the registry's
	// heartbeat sweep, most notably) unblocks the read loop promptly instead
	// of leaving it parked in stream.Recv() until the transport notices the
	// peer is gone on its own schedule.
	cancel context.CancelFunc

	sendCh    chan *rpc.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	pendingAcks map[string]struct{}
	streamSeq   map[string]uint64
	streamEnded map[string]bool
	resultSeen  map[string]bool
}

func newSession(agentID string, stream rpc.Hub_SessionServer, cancel context.CancelFunc, queueDepth int) *session {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &session{
		agentID:     agentID,
		stream:      stream,
		cancel:      cancel,
		sendCh:      make(chan *rpc.Envelope, queueDepth),
		done:        make(chan struct{}),
		pendingAcks: make(map[string]struct{}),
		streamSeq:   make(map[string]uint64),
		streamEnded: make(map[string]bool),
		resultSeen:  make(map[string]bool),
	}
}

// AgentID implements registry.Session.
func (s *session) AgentID() string { return s.agentID }

// Close implements registry.Session: it stops the write pump and cancels the
// read loop's context, unblocking a stream.Recv() that is otherwise only
// waiting on the agent's own transport to notice it's gone — the path the
// heartbeat sweep relies on to force in-flight jobs back to Pending within
// one dispatcher tick. Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case env, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.stream.Send(env); err != nil {
				return
			}
		}
	}
}

// enqueue hands env to the write pump without blocking the caller (the
// dispatcher's dispatch loop). A full queue or a closed session surfaces as
// a typed orcherr error so the dispatcher's resilience helper classifies it
// correctly rather than matching on string content.
func (s *session) enqueue(env *rpc.Envelope) error {
	select {
	case <-s.done:
		return orcherr.ErrTransportClosed
	default:
	}
	select {
	case s.sendCh <- env:
		return nil
	default:
		return orcherr.ErrQueueFull
	}
}

// markAssigned records that jobID now awaits exactly one ack-or-NACK.
func (s *session) markAssigned(jobID string) {
	s.mu.Lock()
	s.pendingAcks[jobID] = struct{}{}
	s.mu.Unlock()
}

// consumeAck reports whether jobID was still awaiting an ack/NACK and clears
// it if so. A second Ack/Nack for the same assignment (a redundant retry
// from the agent) is a no-op rather than a second FSM fire.
func (s *session) consumeAck(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingAcks[jobID]; !ok {
		return false
	}
	delete(s.pendingAcks, jobID)
	return true
}

// acceptSequence enforces strictly increasing, contiguous sequence numbers
// per job. A chunk arriving after the stream was already marked ended, or
// out of order, is rejected (the caller logs and drops it) rather than
// silently reordered.
func (s *session) acceptSequence(jobID string, seq uint64, isEnd bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamEnded[jobID] {
		return false
	}
	if seq != s.streamSeq[jobID] {
		return false
	}
	s.streamSeq[jobID] = seq + 1
	if isEnd {
		s.streamEnded[jobID] = true
	}
	return true
}

// claimResult reports whether this is the first ReportResult received for
// jobID. Subsequent calls return false so the caller can acknowledge
// without re-applying the terminal transition.
func (s *session) claimResult(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultSeen[jobID] {
		return false
	}
	s.resultSeen[jobID] = true
	return true
}

// forgetJob drops all per-job bookkeeping once a job reaches a terminal
// report, so long-lived sessions don't accumulate state for completed work.
func (s *session) forgetJob(jobID string) {
	s.mu.Lock()
	delete(s.pendingAcks, jobID)
	delete(s.streamSeq, jobID)
	delete(s.streamEnded, jobID)
	delete(s.resultSeen, jobID)
	s.mu.Unlock()
}
