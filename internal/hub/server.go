// Package hub implements C6: the gRPC-transported Session stream agents
// connect over. One Hub serves every agent connection; each connection gets
// its own session (session.go) and is dispatched into per-Envelope.Kind
// handlers (handlers.go). Shaped after a gRPC streaming server —
// same auth-at-connect-time shape and agentManager.Register/Deregister
// lifecycle — generalized from four separate RPCs + a shared-secret check to
// one multiplexed stream authenticated by certificate, bootstrap token, or a
// legacy API token.
package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetmesh/server/internal/agentstore"
	"github.com/fleetmesh/server/internal/credentialstore"
	"github.com/fleetmesh/server/internal/dispatcher"
	"github.com/fleetmesh/server/internal/enrollment"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/server/internal/registry"
	"github.com/fleetmesh/shared/rpc"
	"github.com/fleetmesh/shared/types"
)

// Config holds the hub's tunables.
type Config struct {
	// ListenAddr is the address the gRPC server binds to, e.g. ":9090".
	ListenAddr string
	// SessionQueueDepth bounds each session's outbound envelope buffer.
	// Default 16, matching dispatcher.Config.PerAgentQueue.
	SessionQueueDepth int
	// LegacyAPIToken, if set, is accepted as a RegisterPayload.APIToken value
	// for nodes that predate certificate-based admission. Empty disables the
	// path entirely.
	LegacyAPIToken string
}

func (c *Config) setDefaults() {
	if c.SessionQueueDepth <= 0 {
		c.SessionQueueDepth = 16
	}
}

// Hub is C6. The zero value is not usable — create instances with New.
type Hub struct {
	cfg Config

	registry *registry.Registry
	agents   *agentstore.Store
	jobs     *jobstore.Store
	certs    *credentialstore.Store
	enroll   *enrollment.Service
	disp     *dispatcher.Dispatcher
	bus      *events.Bus
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Hub.
func New(cfg Config, reg *registry.Registry, agents *agentstore.Store, jobs *jobstore.Store, certs *credentialstore.Store, enroll *enrollment.Service, disp *dispatcher.Dispatcher, bus *events.Bus, logger *zap.Logger) *Hub {
	cfg.setDefaults()
	return &Hub{
		cfg:      cfg,
		registry: reg,
		agents:   agents,
		jobs:     jobs,
		certs:    certs,
		enroll:   enroll,
		disp:     disp,
		bus:      bus,
		logger:   logger.Named("hub"),
		sessions: make(map[string]*session),
	}
}

// SetDispatcher wires the dispatcher in after construction, breaking the
// Hub/Dispatcher construction cycle: the dispatcher's HubSender is the hub
// itself, so one of the two must be buildable before the other exists.
// Must be called before ListenAndServe.
func (h *Hub) SetDispatcher(disp *dispatcher.Dispatcher) {
	h.disp = disp
}

// ListenAndServe starts the gRPC server and blocks until ctx is cancelled or
// a fatal error occurs, mirroring a standard ListenAndServe shutdown
// shape (GracefulStop drains in-flight sessions before the listener closes).
func (h *Hub) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("hub: failed to listen on %s: %w", h.cfg.ListenAddr, err)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterHubServer(grpcServer, h)

	go func() {
		<-ctx.Done()
		h.logger.Info("hub shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	h.logger.Info("hub listening", zap.String("addr", h.cfg.ListenAddr))
	if err := grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("hub: server error: %w", err)
	}
	return nil
}

// Session implements rpc.HubServer. It authenticates the first envelope,
// then either services a one-off enrollment exchange or promotes the
// connection to a live, registered agent session and loops dispatching
// subsequent envelopes by Kind until the stream closes.
func (h *Hub) Session(stream rpc.Hub_SessionServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Unavailable, "hub: recv first envelope: %v", err)
	}

	switch first.Kind {
	case rpc.KindEnrollRequest:
		return h.serveEnrollment(ctx, stream, first)
	case rpc.KindRegister:
		return h.serveAgentSession(ctx, stream, first)
	default:
		return status.Errorf(codes.InvalidArgument, "hub: unexpected first envelope kind %q", first.Kind)
	}
}

func (h *Hub) serveAgentSession(ctx context.Context, stream rpc.Hub_SessionServer, first *rpc.Envelope) error {
	reg := first.Register
	if reg == nil || reg.AgentID == "" {
		return status.Error(codes.InvalidArgument, "hub: register payload missing agent_id")
	}

	certSerial, err := h.authenticateRegister(ctx, reg)
	if err != nil {
		logAuthFailure(h.logger, reg.AgentID, err)
		return status.Errorf(codes.Unauthenticated, "hub: %v", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	caps := capabilitiesFromWire(reg.Capabilities)
	sess := newSession(reg.AgentID, stream, cancel, h.cfg.SessionQueueDepth)

	h.mu.Lock()
	h.sessions[reg.AgentID] = sess
	h.mu.Unlock()

	h.registry.Register(reg.AgentID, reg.DisplayName, reg.Group, caps, sess)
	if _, err := h.agents.Upsert(ctx, reg.AgentID, reg.DisplayName, reg.Group, caps, reg.Metadata, certSerial); err != nil {
		h.logger.Warn("failed to persist agent record", zap.String("agent_id", reg.AgentID), zap.Error(err))
	}
	_ = h.registry.UpdateStatus(reg.AgentID, types.AgentStatusReady)
	h.bus.Publish(events.TopicAgentStatus, events.AgentStatusChanged{AgentID: reg.AgentID, To: string(types.AgentStatusReady)})

	go sess.writePump()

	h.logger.Info("agent session established", zap.String("agent_id", reg.AgentID), zap.String("group", reg.Group))

	readErr := h.readLoop(sessCtx, stream, sess)

	h.mu.Lock()
	if h.sessions[reg.AgentID] == sess {
		delete(h.sessions, reg.AgentID)
	}
	h.mu.Unlock()
	_ = sess.Close()

	inFlight, lookupErr := h.jobs.AssignedOrRunning(context.Background(), reg.AgentID)
	if lookupErr == nil && len(inFlight) > 0 {
		ids := make([]uuid.UUID, 0, len(inFlight))
		for _, j := range inFlight {
			ids = append(ids, j.ID)
		}
		h.disp.OnDisconnect(context.Background(), reg.AgentID, ids)
	}

	h.registry.Deregister(reg.AgentID)
	_ = h.agents.UpdateStatus(context.Background(), reg.AgentID, types.AgentStatusDisconnected, nil)
	h.bus.Publish(events.TopicAgentStatus, events.AgentStatusChanged{AgentID: reg.AgentID, To: string(types.AgentStatusDisconnected)})

	h.logger.Info("agent session closed", zap.String("agent_id", reg.AgentID), zap.Error(readErr))
	return readErr
}

// readLoop dispatches incoming envelopes until the stream closes or ctx is
// cancelled. stream.Recv() itself cannot be interrupted by ctx — it only
// returns once the agent sends or disconnects — so it runs in its own
// goroutine and the dispatch loop selects on ctx.Done() alongside it. This
// is what lets session.Close() (called by the registry's heartbeat sweep on
// a still-open socket) make readLoop return immediately instead of waiting
// on a transport the peer has stopped servicing.
func (h *Hub) readLoop(ctx context.Context, stream rpc.Hub_SessionServer, sess *session) error {
	envCh := make(chan *rpc.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case envCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case env := <-envCh:
			if err := h.handleEnvelope(ctx, sess, env); err != nil {
				if errors.Is(err, errGracefulUnregister) {
					return nil
				}
				h.logger.Warn("envelope handling failed",
					zap.String("agent_id", sess.agentID), zap.String("kind", string(env.Kind)), zap.Error(err))
			}
		}
	}
}

// authenticateRegister checks the first credential form present and returns
// the certificate serial (empty if admission was via bootstrap/legacy token
// rather than a certificate). For a bootstrap token it checks only the block
// list; the token itself is checked against the stored hash when the node
// sends its enrollment request (enrollment.Service.Submit).
func (h *Hub) authenticateRegister(ctx context.Context, reg *rpc.RegisterPayload) (string, error) {
	switch {
	case len(reg.CertificatePEM) > 0:
		result, err := h.certs.ValidateCertificate(ctx, reg.CertificatePEM)
		if err != nil {
			return "", err
		}
		if err := h.certs.VerifyNodeSignature(result.PublicKey, []byte(reg.AgentID), reg.SignedNonce); err != nil {
			return "", err
		}
		return result.Serial, nil

	case reg.BootstrapToken != "":
		blocked, err := h.enroll.IsBlocked(ctx, reg.AgentID)
		if err != nil {
			return "", err
		}
		if blocked {
			return "", orcherr.ErrNodeBlocked
		}
		return "", nil

	case reg.APIToken != "":
		if h.cfg.LegacyAPIToken == "" {
			return "", orcherr.ErrInvalidToken
		}
		if subtle.ConstantTimeCompare([]byte(reg.APIToken), []byte(h.cfg.LegacyAPIToken)) != 1 {
			return "", orcherr.ErrInvalidToken
		}
		return "", nil

	default:
		return "", orcherr.ErrMissingField
	}
}

func (h *Hub) serveEnrollment(ctx context.Context, stream rpc.Hub_SessionServer, first *rpc.Envelope) error {
	req := first.EnrollRequest
	if req == nil {
		return status.Error(codes.InvalidArgument, "hub: empty enroll_request")
	}

	result, err := h.enroll.Submit(ctx, enrollment.Request{
		NodeID:                req.NodeID,
		NodeName:              req.NodeName,
		PublicKey:             req.PublicKey,
		RequestedCapabilities: capabilitiesFromWire(req.RequestedCapabilities),
		SignatureByNodeKey:    req.SignatureByNodeKey,
		PresentedToken:        req.BootstrapToken,
	})
	if err != nil {
		return status.Errorf(codes.PermissionDenied, "hub: enrollment rejected: %v", err)
	}

	if err := stream.Send(&rpc.Envelope{Kind: rpc.KindEnrollResult, EnrollResult: &rpc.EnrollResultPayload{
		EnrollmentID:   result.EnrollmentID,
		Status:         string(result.Status),
		CertificatePEM: result.CertificatePEM,
		Reason:         result.Reason,
	}}); err != nil {
		return err
	}

	// Pending requests may be polled over the same connection via
	// EnrollStatus until the node disconnects; approved/rejected admissions
	// are already final and the node is expected to close the stream.
	for {
		env, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if env.Kind != rpc.KindEnrollStatus || env.EnrollStatus == nil {
			continue
		}
		pending, err := h.enroll.Pending(ctx)
		if err != nil {
			continue
		}
		polledStatus := "unknown"
		for _, p := range pending {
			if p.ID.String() == env.EnrollStatus.EnrollmentID {
				polledStatus = "pending"
			}
		}
		_ = stream.Send(&rpc.Envelope{Kind: rpc.KindEnrollResult, EnrollResult: &rpc.EnrollResultPayload{
			EnrollmentID: env.EnrollStatus.EnrollmentID,
			Status:       polledStatus,
		}})
	}
}

func logAuthFailure(logger *zap.Logger, agentID string, err error) {
	logger.Warn("agent session authentication failed", zap.String("agent_id", agentID), zap.Error(err))
}

func capabilitiesFromWire(caps []rpc.CapabilityMsg) []types.Capability {
	out := make([]types.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, types.Capability{Name: c.Name, Version: c.Version, Params: c.Params})
	}
	return out
}

// ─── dispatcher.HubSender ───────────────────────────────────────────────────

// SendAssignJob implements dispatcher.HubSender: it looks up the agent's
// live session and enqueues an AssignJob envelope, marking the job as
// awaiting exactly one ack-or-NACK.
func (h *Hub) SendAssignJob(ctx context.Context, agentID string, payload rpc.AssignJobPayload) error {
	sess, ok := h.lookupSession(agentID)
	if !ok {
		return orcherr.ErrUnknownAgent
	}
	sess.markAssigned(payload.JobID)
	return sess.enqueue(&rpc.Envelope{Kind: rpc.KindAssignJob, AssignJob: &payload})
}

// SendCancelJob implements dispatcher.HubSender.
func (h *Hub) SendCancelJob(ctx context.Context, agentID string, jobID uuid.UUID, reason string) error {
	sess, ok := h.lookupSession(agentID)
	if !ok {
		return orcherr.ErrUnknownAgent
	}
	return sess.enqueue(&rpc.Envelope{Kind: rpc.KindCancelJob, CancelJob: &rpc.CancelJobPayload{
		JobID: jobID.String(), Reason: reason,
	}})
}

func (h *Hub) lookupSession(agentID string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[agentID]
	return sess, ok
}
