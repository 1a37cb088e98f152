// Package rpc defines the wire contract shared by the server hub and the
// agent: a single tagged-union Envelope message multiplexed over one
// bidirectional gRPC stream per agent session, plus the gRPC service
// definition and client helpers needed to open that stream.
//
// The session protocol intentionally does not use protoc-generated types.
// Envelope is a plain Go struct with a Kind discriminant and one non-nil
// payload pointer — Go's idiomatic substitute for a protobuf oneof — carried
// over the wire by the Codec in this package rather than by generated
// marshal/unmarshal code.
package rpc

import "time"

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	// Agent → Server
	KindRegister       Kind = "register"
	KindUnregister     Kind = "unregister"
	KindHeartbeat      Kind = "heartbeat"
	KindAckJob         Kind = "ack_job"
	KindNackJob        Kind = "nack_job"
	KindReportProgress Kind = "report_progress"
	KindReportStream   Kind = "report_stream"
	KindReportResult   Kind = "report_result"
	KindReportState    Kind = "report_state"
	KindEnrollRequest  Kind = "enroll_request"
	KindEnrollStatus   Kind = "enroll_status"

	// Server → Agent
	KindAssignJob    Kind = "assign_job"
	KindCancelJob    Kind = "cancel_job"
	KindRequestState Kind = "request_state"
	KindEnrollResult Kind = "enroll_result"
)

// Envelope is the single message type multiplexed over the Session stream.
// Exactly one of the payload fields is non-nil, selected by Kind.
type Envelope struct {
	Kind Kind

	Register       *RegisterPayload      
	Unregister     *UnregisterPayload    
	Heartbeat      *HeartbeatPayload     
	AckJob         *AckJobPayload        
	NackJob        *NackJobPayload       
	ReportProgress *ReportProgressPayload
	ReportStream   *ReportStreamPayload  
	ReportResult   *ReportResultPayload  
	ReportState    *ReportStatePayload   
	EnrollRequest  *EnrollRequestPayload 
	EnrollStatus   *EnrollStatusPayload  

	AssignJob    *AssignJobPayload   
	CancelJob    *CancelJobPayload   
	RequestState *RequestStatePayload
	EnrollResult *EnrollResultPayload
}

// ─── Agent → Server payloads ────────────────────────────────────────────────

// RegisterPayload authenticates the session and fixes its AgentId for the
// remainder of the connection (spec: "the first authenticated frame fixes
// the session's AgentId").
type RegisterPayload struct {
	AgentID      string
	DisplayName  string
	Capabilities []CapabilityMsg
	Group        string
	Metadata     map[string]string

	// Exactly one of the following credential forms is set.
	CertificatePEM  []byte
	SignedNonce     []byte
	BootstrapToken  string
	APIToken        string
}

// CapabilityMsg mirrors types.Capability for wire transport.
type CapabilityMsg struct {
	Name    string
	Version string
	Params  map[string]string
}

type UnregisterPayload struct {
	AgentID string
	Reason  string
}

type HeartbeatPayload struct {
	AgentID    string
	ReportedAt time.Time
	Metrics    map[string]float64
}

type AckJobPayload struct {
	JobID string
}

type NackJobPayload struct {
	JobID  string
	Reason string
}

type ReportProgressPayload struct {
	JobID   string
	Percent float64
	Message string
	At      time.Time
}

type ReportStreamPayload struct {
	JobID    string
	Sequence uint64
	Payload  []byte
	IsEnd    bool
}

type ReportResultPayload struct {
	JobID      string
	Succeeded  bool
	Result     []byte
	ErrorCode  string
	ErrorMsg   string
	FinishedAt time.Time
}

type ReportStatePayload struct {
	AgentID        string
	ReportedProps  map[string]string
}

type EnrollRequestPayload struct {
	NodeID                string
	NodeName              string
	PublicKey             []byte
	RequestedCapabilities []CapabilityMsg
	SignatureByNodeKey    []byte
	BootstrapToken        string
}

type EnrollStatusPayload struct {
	EnrollmentID string
}

// ─── Server → Agent payloads ────────────────────────────────────────────────

type AssignJobPayload struct {
	JobID      string
	Command    string
	Parameters []byte
	Priority   int
	Timeout    time.Duration
	Metadata   map[string]string
}

type CancelJobPayload struct {
	JobID  string
	Reason string
}

type RequestStatePayload struct {
	AgentID string
}

type EnrollResultPayload struct {
	EnrollmentID string
	Status       string // "pending", "approved", "rejected", "expired"
	CertificatePEM []byte
	Reason       string
}
