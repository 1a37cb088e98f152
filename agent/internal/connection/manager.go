// Package connection manages the agent's persistent gRPC connection to the
// server. It handles:
//   - Enrollment (if no certificate is on disk yet): submit an EnrollRequest,
//     poll for admin approval, persist the issued certificate.
//   - Registration: open the Session stream, authenticate with the
//     certificate (or a configured bootstrap/API token), fix the session's
//     AgentID for its lifetime.
//   - The session's send/receive loops: heartbeats, job assignments handed
//     to the executor, and ack/progress/stream/result reports sent back.
//   - Automatic reconnection with exponential backoff + jitter on any
//     failure.
//
// Manager implements executor.Reporter so the executor can report outcomes
// without knowing anything about gRPC or the wire envelope.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fleetmesh/agent/internal/executor"
	"github.com/fleetmesh/agent/internal/identity"
	"github.com/fleetmesh/agent/internal/metrics"
	"github.com/fleetmesh/shared/rpc"
	"github.com/fleetmesh/shared/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the agent sends liveness signals.
	// The registry marks an agent disconnected if none arrives within its
	// heartbeat timeout (30s by default).
	heartbeatInterval = 30 * time.Second

	enrollPollInterval = 5 * time.Second
)

// agentState is persisted to disk after the node ID is first decided, so the
// agent presents the same identity on every reconnect and the server
// matches it to the existing record rather than creating a duplicate.
type agentState struct {
	AgentID         string `json:"agent_id"`
	CertificatePEM  []byte `json:"certificate_pem,omitempty"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("connection: reading state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: marshaling state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("connection: creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: renaming state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the server.
type Config struct {
	// ServerAddr is the gRPC server address (e.g. "localhost:9090").
	ServerAddr string
	// AgentID identifies this node. If empty, a random UUID is generated on
	// first run and persisted to state-dir.
	AgentID string
	// DisplayName and Group are presented on every registration.
	DisplayName string
	Group       string
	// Capabilities this node declares — used by the dispatcher for
	// capability-based job routing.
	Capabilities []types.Capability
	// BootstrapToken, if set and no certificate is on disk yet, is used to
	// enroll for a certificate (subject to admin approval unless the
	// enrollment service has auto-approve enabled).
	BootstrapToken string
	// APIToken, if set, registers via the legacy shared-secret path instead
	// of certificate-based admission.
	APIToken string
	// StateDir is the directory where node identity, the issued
	// certificate, and the agent state file are persisted.
	StateDir string
	// Metadata is attached to every registration for informational display.
	Metadata map[string]string
}

// Manager maintains the persistent Session stream to the server and
// implements executor.Reporter so the executor can report outcomes without
// knowing about gRPC.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	id     *identity.Identity
	logger *zap.Logger

	// mu protects stream and agentID — both are replaced on every reconnect.
	mu      sync.Mutex
	stream  rpc.Hub_SessionClient
	agentID string

	// seq tracks the next stream sequence number per job, for ReportStream.
	seqMu sync.Mutex
	seq   map[string]uint64
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, id *identity.Identity, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		id:     id,
		logger: logger.Named("connection"),
		seq:    make(map[string]uint64),
	}
}

// Run starts the connection loop: it connects, enrolls if needed, registers,
// and services the session until it ends, reconnecting with exponential
// backoff on any failure. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to server", zap.String("addr", m.cfg.ServerAddr))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

func (m *Manager) dial(ctx context.Context) (*grpc.ClientConn, rpc.HubClient, error) {
	conn, err := grpc.NewClient(m.cfg.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, rpc.NewHubClient(conn), nil
}

// connect establishes one session: dial → (enroll if needed) → register →
// run loops. Returns when the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load agent state, starting fresh", zap.Error(err))
	}

	agentID := m.cfg.AgentID
	if agentID == "" {
		agentID = state.AgentID
	}
	if agentID == "" {
		agentID = generateNodeID()
	}

	certPEM := state.CertificatePEM
	if len(certPEM) == 0 && m.cfg.BootstrapToken != "" && m.cfg.APIToken == "" {
		// No certificate yet and we have a bootstrap token — enroll once to
		// obtain one before attempting to register. Nodes that intend to
		// register directly with the bootstrap token on every connection
		// (no certificate desired) should instead leave BootstrapToken
		// configured and never call Enroll; this path only runs because no
		// certificate is cached.
		pem, err := m.enroll(ctx, agentID)
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		certPEM = pem
		if err := saveState(m.cfg.StateDir, agentState{AgentID: agentID, CertificatePEM: certPEM}); err != nil {
			m.logger.Warn("failed to persist certificate", zap.Error(err))
		}
	}

	conn, client, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("opening session stream: %w", err)
	}

	if err := m.register(stream, agentID, certPEM); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.agentID = agentID
	m.mu.Unlock()

	if agentID != state.AgentID {
		if err := saveState(m.cfg.StateDir, agentState{AgentID: agentID, CertificatePEM: certPEM}); err != nil {
			m.logger.Warn("failed to persist agent state", zap.Error(err))
		}
	}

	m.logger.Info("registered with server", zap.String("agent_id", agentID))

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx, agentID) }()
	go func() { errCh <- m.readLoop(stream) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// enroll submits an EnrollRequest and polls for its outcome over the same
// stream until approved, rejected, or expired.
func (m *Manager) enroll(ctx context.Context, nodeID string) ([]byte, error) {
	conn, client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stream, err := client.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening enrollment stream: %w", err)
	}

	sig, err := m.id.Sign([]byte(nodeID))
	if err != nil {
		return nil, fmt.Errorf("signing enrollment request: %w", err)
	}

	if err := stream.Send(&rpc.Envelope{Kind: rpc.KindEnrollRequest, EnrollRequest: &rpc.EnrollRequestPayload{
		NodeID:                nodeID,
		NodeName:              m.cfg.DisplayName,
		PublicKey:             m.id.PublicKey,
		RequestedCapabilities: capabilitiesToWire(m.cfg.Capabilities),
		SignatureByNodeKey:    sig,
		BootstrapToken:        m.cfg.BootstrapToken,
	}}); err != nil {
		return nil, fmt.Errorf("sending enroll request: %w", err)
	}

	env, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("receiving enroll result: %w", err)
	}
	result := env.EnrollResult
	if result == nil {
		return nil, errors.New("empty enroll_result")
	}

	for result.Status == string(types.EnrollmentStatusPending) {
		m.logger.Info("enrollment pending admin approval", zap.String("enrollment_id", result.EnrollmentID))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(enrollPollInterval):
		}
		if err := stream.Send(&rpc.Envelope{Kind: rpc.KindEnrollStatus, EnrollStatus: &rpc.EnrollStatusPayload{
			EnrollmentID: result.EnrollmentID,
		}}); err != nil {
			return nil, fmt.Errorf("polling enroll status: %w", err)
		}
		env, err = stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("receiving enroll status: %w", err)
		}
		if env.EnrollResult != nil {
			result = env.EnrollResult
		}
	}

	switch result.Status {
	case string(types.EnrollmentStatusApproved):
		m.logger.Info("enrollment approved", zap.String("enrollment_id", result.EnrollmentID))
		return result.CertificatePEM, nil
	default:
		return nil, fmt.Errorf("enrollment %s: %s", result.Status, result.Reason)
	}
}

// register sends the Register envelope that fixes the session's identity.
func (m *Manager) register(stream rpc.Hub_SessionClient, agentID string, certPEM []byte) error {
	reg := &rpc.RegisterPayload{
		AgentID:      agentID,
		DisplayName:  m.cfg.DisplayName,
		Capabilities: capabilitiesToWire(m.cfg.Capabilities),
		Group:        m.cfg.Group,
		Metadata:     m.cfg.Metadata,
	}

	switch {
	case len(certPEM) > 0:
		sig, err := m.id.Sign([]byte(agentID))
		if err != nil {
			return fmt.Errorf("signing registration nonce: %w", err)
		}
		reg.CertificatePEM = certPEM
		reg.SignedNonce = sig
	case m.cfg.BootstrapToken != "":
		reg.BootstrapToken = m.cfg.BootstrapToken
	case m.cfg.APIToken != "":
		reg.APIToken = m.cfg.APIToken
	default:
		return errors.New("no certificate, bootstrap token, or API token configured")
	}

	return stream.Send(&rpc.Envelope{Kind: rpc.KindRegister, Register: reg})
}

func (m *Manager) heartbeatLoop(ctx context.Context, agentID string) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			stream := m.stream
			m.mu.Unlock()
			if stream == nil {
				continue
			}
			err := stream.Send(&rpc.Envelope{Kind: rpc.KindHeartbeat, Heartbeat: &rpc.HeartbeatPayload{
				AgentID:    agentID,
				ReportedAt: time.Now().UTC(),
				Metrics:    metrics.Collect(),
			}})
			if err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			m.logger.Debug("heartbeat sent", zap.String("agent_id", agentID))
		}
	}
}

// readLoop processes incoming envelopes (job assignments and cancellations)
// until the stream closes.
func (m *Manager) readLoop(stream rpc.Hub_SessionClient) error {
	for {
		env, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("session recv: %w", err)
		}

		switch env.Kind {
		case rpc.KindAssignJob:
			m.handleAssignJob(env.AssignJob)
		case rpc.KindCancelJob:
			m.logger.Warn("job cancellation requested but not yet supported by the executor",
				zap.String("job_id", env.CancelJob.JobID), zap.String("reason", env.CancelJob.Reason))
		default:
			m.logger.Debug("ignoring unexpected envelope kind", zap.String("kind", string(env.Kind)))
		}
	}
}

func (m *Manager) handleAssignJob(a *rpc.AssignJobPayload) {
	if a == nil {
		return
	}
	job := executor.JobAssignment{
		JobID:      a.JobID,
		Command:    a.Command,
		Parameters: a.Parameters,
		Timeout:    a.Timeout,
		Metadata:   a.Metadata,
	}
	if err := m.exec.Enqueue(job); err != nil {
		m.logger.Error("failed to enqueue job, nacking", zap.String("job_id", a.JobID), zap.Error(err))
		m.NackJob(a.JobID, err.Error())
	}
}

// ─── executor.Reporter ──────────────────────────────────────────────────────

func (m *Manager) send(env *rpc.Envelope) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		m.logger.Warn("dropping envelope, no active session", zap.String("kind", string(env.Kind)))
		return
	}
	if err := stream.Send(env); err != nil {
		m.logger.Warn("failed to send envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
	}
}

func (m *Manager) AckJob(jobID string) {
	m.send(&rpc.Envelope{Kind: rpc.KindAckJob, AckJob: &rpc.AckJobPayload{JobID: jobID}})
}

func (m *Manager) NackJob(jobID, reason string) {
	m.send(&rpc.Envelope{Kind: rpc.KindNackJob, NackJob: &rpc.NackJobPayload{JobID: jobID, Reason: reason}})
}

func (m *Manager) ReportProgress(jobID string, percent float64, message string) {
	m.send(&rpc.Envelope{Kind: rpc.KindReportProgress, ReportProgress: &rpc.ReportProgressPayload{
		JobID: jobID, Percent: percent, Message: message, At: time.Now().UTC(),
	}})
}

func (m *Manager) ReportStream(jobID string, line string) {
	m.seqMu.Lock()
	seq := m.seq[jobID]
	m.seq[jobID] = seq + 1
	m.seqMu.Unlock()

	m.send(&rpc.Envelope{Kind: rpc.KindReportStream, ReportStream: &rpc.ReportStreamPayload{
		JobID: jobID, Sequence: seq, Payload: []byte(line),
	}})
}

func (m *Manager) ReportResult(jobID string, succeeded bool, result []byte, errorCode, errorMsg string) {
	m.seqMu.Lock()
	delete(m.seq, jobID)
	m.seqMu.Unlock()

	m.send(&rpc.Envelope{Kind: rpc.KindReportResult, ReportResult: &rpc.ReportResultPayload{
		JobID: jobID, Succeeded: succeeded, Result: result,
		ErrorCode: errorCode, ErrorMsg: errorMsg, FinishedAt: time.Now().UTC(),
	}})
}

func capabilitiesToWire(caps []types.Capability) []rpc.CapabilityMsg {
	out := make([]rpc.CapabilityMsg, 0, len(caps))
	for _, c := range caps {
		out = append(out, rpc.CapabilityMsg{Name: c.Name, Version: c.Version, Params: c.Params})
	}
	return out
}

func generateNodeID() string {
	return "agent-" + uuid.NewString()
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
