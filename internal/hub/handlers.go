package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/dispatcher"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/shared/rpc"
	"github.com/fleetmesh/shared/types"
)

// errGracefulUnregister signals the read loop to stop without treating the
// stream's subsequent close as an unexpected error.
var errGracefulUnregister = errors.New("hub: agent sent unregister")

// handleEnvelope dispatches one post-Register envelope to its business
// logic. Heartbeat/AckJob/NackJob/ReportProgress/ReportStream/ReportResult/
// ReportState/Unregister are the only kinds a live agent session sends;
// anything else is logged and ignored rather than treated as fatal, since a
// forward-compatible agent may send kinds this hub version doesn't know yet.
func (h *Hub) handleEnvelope(ctx context.Context, sess *session, env *rpc.Envelope) error {
	switch env.Kind {
	case rpc.KindHeartbeat:
		return h.handleHeartbeat(ctx, sess, env.Heartbeat)
	case rpc.KindAckJob:
		return h.handleAckJob(ctx, sess, env.AckJob)
	case rpc.KindNackJob:
		return h.handleNackJob(ctx, sess, env.NackJob)
	case rpc.KindReportProgress:
		return h.handleReportProgress(ctx, sess, env.ReportProgress)
	case rpc.KindReportStream:
		return h.handleReportStream(ctx, sess, env.ReportStream)
	case rpc.KindReportResult:
		return h.handleReportResult(ctx, sess, env.ReportResult)
	case rpc.KindReportState:
		return h.handleReportState(ctx, env.ReportState)
	case rpc.KindUnregister:
		return errGracefulUnregister
	default:
		h.logger.Debug("ignoring unexpected envelope kind", zap.String("kind", string(env.Kind)))
		return nil
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, sess *session, hb *rpc.HeartbeatPayload) error {
	if hb == nil {
		return nil
	}
	if err := h.registry.Heartbeat(sess.agentID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := h.agents.UpdateStatus(ctx, sess.agentID, types.AgentStatusReady, &now); err != nil {
		return err
	}
	if len(hb.Metrics) > 0 {
		h.bus.Publish(events.TopicAgentMetrics, events.AgentMetrics{AgentID: sess.agentID, Metrics: hb.Metrics})
	}
	return nil
}

func (h *Hub) handleAckJob(ctx context.Context, sess *session, ack *rpc.AckJobPayload) error {
	if ack == nil {
		return nil
	}
	if !sess.consumeAck(ack.JobID) {
		// Already acked/nacked or already timed out — a late/duplicate ack
		// from the agent is a no-op, not a second FSM fire.
		return nil
	}
	jobID, err := uuid.Parse(ack.JobID)
	if err != nil {
		return err
	}
	_ = h.registry.UpdateStatus(sess.agentID, types.AgentStatusRunning)
	return h.disp.Fire(ctx, jobID, dispatcher.TriggerStart)
}

func (h *Hub) handleNackJob(ctx context.Context, sess *session, nack *rpc.NackJobPayload) error {
	if nack == nil {
		return nil
	}
	if !sess.consumeAck(nack.JobID) {
		return nil
	}
	jobID, err := uuid.Parse(nack.JobID)
	if err != nil {
		return err
	}
	sess.forgetJob(nack.JobID)
	return h.disp.Fire(ctx, jobID, dispatcher.TriggerReject)
}

func (h *Hub) handleReportProgress(ctx context.Context, sess *session, p *rpc.ReportProgressPayload) error {
	if p == nil {
		return nil
	}
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return err
	}
	h.bus.Publish(events.TopicJobProgress, events.JobProgress{JobID: p.JobID, Percent: p.Percent, Message: p.Message})

	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	job.LastProgressPercent = p.Percent
	job.LastProgressMessage = p.Message
	return h.jobs.Update(ctx, job)
}

// handleReportStream enforces the per-job stream ordering invariant
// (acceptSequence rejects anything out of order or arriving after isEnd),
// then persists the chunk and fans it out with its sequence and isEnd
// intact so subscribers — live or replaying from the head — can reconstruct
// the exact publisher order instead of trusting delivery order alone.
func (h *Hub) handleReportStream(ctx context.Context, sess *session, s *rpc.ReportStreamPayload) error {
	if s == nil {
		return nil
	}
	if !sess.acceptSequence(s.JobID, s.Sequence, s.IsEnd) {
		h.logger.Warn("dropping out-of-order or post-end stream chunk",
			zap.String("agent_id", sess.agentID), zap.String("job_id", s.JobID), zap.Uint64("sequence", s.Sequence))
		return nil
	}

	jobID, err := uuid.Parse(s.JobID)
	if err != nil {
		return err
	}
	if err := h.jobs.AppendStreamChunk(ctx, jobID, s.Sequence, s.Payload, s.IsEnd); err != nil {
		return err
	}

	h.bus.Publish(events.TopicJobStream, events.JobStreamChunk{
		JobID: s.JobID, Sequence: s.Sequence, Payload: s.Payload, IsEnd: s.IsEnd,
	})
	return nil
}

func (h *Hub) handleReportResult(ctx context.Context, sess *session, r *rpc.ReportResultPayload) error {
	if r == nil {
		return nil
	}
	if !sess.claimResult(r.JobID) {
		// Idempotent: first ReportResult wins, subsequent ones for the same
		// job are acknowledged by returning nil without reapplying the
		// terminal transition.
		return nil
	}
	defer sess.forgetJob(r.JobID)

	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return err
	}

	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	job.Result = r.Result
	job.ErrorCode = r.ErrorCode
	job.ErrorMessage = r.ErrorMsg
	if err := h.jobs.Update(ctx, job); err != nil {
		return err
	}

	trigger := dispatcher.TriggerComplete
	if !r.Succeeded {
		trigger = dispatcher.TriggerFail
	}
	return h.disp.Fire(ctx, jobID, trigger)
}

func (h *Hub) handleReportState(ctx context.Context, rs *rpc.ReportStatePayload) error {
	if rs == nil || rs.AgentID == "" {
		return nil
	}
	rec, err := h.agents.GetByExternalID(ctx, rs.AgentID)
	if err != nil {
		return err
	}
	var existingCaps []types.Capability
	_ = json.Unmarshal([]byte(rec.Capabilities), &existingCaps)
	_, err = h.agents.Upsert(ctx, rs.AgentID, rec.DisplayName, rec.Group, existingCaps, rs.ReportedProps, rec.CertificateSerial)
	return err
}
