package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth (admin REST surface — distinct from per-node certificates)
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated admin user.
// Password is only set for local accounts — OIDC users authenticate via the
// provider and have an empty Password field.
type User struct {
	base
	Email        string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // empty for OIDC users
	DisplayName  string          `gorm:"not null"`
	Role         string          `gorm:"not null;default:'viewer'"` // "admin" or "user"
	IsActive     bool            `gorm:"not null;default:true"`
	OIDCProvider string          `gorm:"default:''"`
	OIDCSub      string          `gorm:"default:''"`
	LastLoginAt  *time.Time
}

// RefreshToken stores a hashed refresh token associated with an admin session.
// The raw token is never stored — only its SHA-256 hash.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity provider
// used for admin REST login.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"`
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Credential store (C1)
// -----------------------------------------------------------------------------

// Certificate is the immutable, server-signed record that authenticates a
// node for the lifetime of its validity. Owned by the credential store;
// referenced (never owned) by the agent record.
type Certificate struct {
	base
	Serial              string    `gorm:"uniqueIndex;not null"`
	NodeID              string    `gorm:"not null;index"`
	PublicKey           []byte    `gorm:"type:blob;not null"`
	ServerID            string    `gorm:"not null"`
	CapabilitiesGranted string    `gorm:"type:text;default:'[]'"` // JSON array of capability names
	IssuedAt            time.Time `gorm:"not null"`
	ExpiresAt           time.Time `gorm:"not null;index"`
	Signature           []byte    `gorm:"type:blob;not null"`
}

// RevokedCertificate is an append-only record of revoked certificate serials,
// consulted on every validateCertificate call. Revocation is persistent.
type RevokedCertificate struct {
	base
	Serial    string `gorm:"uniqueIndex;not null"`
	NodeID    string `gorm:"not null;index"`
	Reason    string `gorm:"type:text;not null"`
	Actor     string `gorm:"not null"`
	RevokedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Enrollment service (C2)
// -----------------------------------------------------------------------------

// BootstrapToken is the singleton server-wide TOFU admission secret. Only its
// salted hash is persisted — the plaintext is shown exactly once at
// creation/regeneration. Regenerating invalidates all prior tokens because
// this record is replaced, not appended to.
type BootstrapToken struct {
	base
	SaltedHash  string `gorm:"not null"`
	Enabled     bool   `gorm:"not null;default:true"`
	AutoApprove bool   `gorm:"not null;default:false"`
}

// EnrollmentRequest tracks a node's bootstrap-path admission from submission
// through admin decision or expiry.
type EnrollmentRequest struct {
	base
	NodeID                string     `gorm:"not null;index"`
	NodeName              string     `gorm:"not null"`
	PublicKey             []byte     `gorm:"type:blob;not null"`
	RequestedCapabilities string     `gorm:"type:text;default:'[]'"` // JSON array
	SignatureByNodeKey    []byte     `gorm:"type:blob;not null"`
	Status                string     `gorm:"not null;default:'pending';index"` // pending|approved|rejected|expired
	GrantedCapabilities   string     `gorm:"type:text;default:'[]'"`
	DecidedBy             string     `gorm:"default:''"`
	DecidedAt             *time.Time
	SubmittedAt           time.Time `gorm:"not null"`
	ExpiresAt             time.Time `gorm:"not null;index"`
}

// BlockedNode is a persistent block-list entry added when an admin rejects an
// enrollment request with blockFuture=true.
type BlockedNode struct {
	base
	NodeID string `gorm:"uniqueIndex;not null"`
	Reason string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Agent registry (C3)
// -----------------------------------------------------------------------------

// Agent is the persistent record backing the in-memory presence table
// maintained by internal/registry. Connection-scoped fields (ConnID, Status)
// are also tracked in memory; the row here survives restarts and
// disconnects so history and capability grants are not lost.
type Agent struct {
	softDelete
	ExternalID  string `gorm:"uniqueIndex;not null"` // node-supplied AgentID from RegisterPayload, routing key for the hub/registry
	DisplayName string `gorm:"not null"`
	Group       string `gorm:"default:'';index"`
	Capabilities string `gorm:"type:text;default:'[]'"` // JSON array of types.Capability
	Metadata     string `gorm:"type:text;default:'{}'"` // JSON key-value pairs
	Status       string `gorm:"not null;default:'created'"`
	LastHeartbeatAt *time.Time
	CertificateSerial string `gorm:"default:'';index"`
}

// -----------------------------------------------------------------------------
// Job store & idempotency index (C4)
// -----------------------------------------------------------------------------

// Job is the authoritative record driving the C5 FSM. Monotone timestamps
// and the attemptCount ≤ maxRetries+1 invariant are enforced by
// internal/dispatcher, not by the database layer.
type Job struct {
	base
	IdempotencyKey       string     `gorm:"uniqueIndex:idx_job_idempotency,where:idempotency_key != ''"`
	Command              string     `gorm:"not null"`
	Parameters           []byte     `gorm:"type:blob"`
	Priority             int        `gorm:"not null;default:0;index"`
	TimeoutSeconds       int        `gorm:"not null;default:300"`
	MaxRetries           int        `gorm:"not null;default:2"`
	TargetAgentID        string     `gorm:"default:'';index"`
	RequiredCapabilities string     `gorm:"type:text;default:'[]'"` // JSON array
	CorrelationID        string     `gorm:"default:'';index"`
	Metadata             string     `gorm:"type:text;default:'{}'"`
	Status               string     `gorm:"not null;default:'pending';index"`
	AssignedAgentID      string     `gorm:"default:'';index"`
	AttemptCount         int        `gorm:"not null;default:0"`
	AssignedAt           *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	LastProgressPercent  float64
	LastProgressMessage  string `gorm:"type:text;default:''"`
	Result               []byte `gorm:"type:blob"`
	ErrorCode            string `gorm:"default:''"`
	ErrorMessage         string `gorm:"type:text;default:''"`
	WorkflowRunID        string `gorm:"default:'';index"`
	WorkflowStepID       string `gorm:"default:''"`
	// DeadLettered marks retry exhaustion. Status stays Failed/TimedOut —
	// this flag is the dead-letter sink, not a third terminal status value.
	DeadLettered bool `gorm:"not null;default:false;index"`
}

// JobEvent is a single append-only entry in the job's write-ahead event log,
// used for observability and crash recovery (replay reconstructs in-memory
// indexes and respects terminal states).
type JobEvent struct {
	base
	Position  int64     `gorm:"autoIncrement;uniqueIndex"`
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	Sequence  int64     `gorm:"not null"`
	Type      string    `gorm:"not null"` // trigger name, e.g. "Assign", "Complete"
	Payload   string    `gorm:"type:text;default:'{}'"`
	Timestamp time.Time `gorm:"not null"`
}

// JobStreamChunk is one persisted item of a job's stream output — the
// {jobId, sequence, payload, isEnd} stream item. Kept so a subscriber that
// attaches after the job has already produced output can replay from the
// persisted head before joining the live tail, instead of only ever seeing
// whatever arrives after it subscribes.
type JobStreamChunk struct {
	base
	JobID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_job_stream_chunks_job_sequence"`
	Sequence int64     `gorm:"not null;uniqueIndex:idx_job_stream_chunks_job_sequence"`
	Payload  []byte    `gorm:"type:blob"`
	IsEnd    bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Workflow DAG runner (supplemented feature)
// -----------------------------------------------------------------------------

// WorkflowDefinition stores a DAG of job templates plus dependency edges as
// JSON. Parsed into internal/workflow.Definition at load time.
type WorkflowDefinition struct {
	base
	Name    string `gorm:"not null"`
	StepsJSON string `gorm:"type:text;not null"` // JSON array of steps
	EdgesJSON string `gorm:"type:text;not null"` // JSON adjacency map
}

// WorkflowRun tracks one execution of a WorkflowDefinition: the per-step job
// ids and overall completion status.
type WorkflowRun struct {
	base
	DefinitionID uuid.UUID `gorm:"type:text;not null;index"`
	Status       string    `gorm:"not null;default:'running';index"`
	StepJobsJSON string    `gorm:"type:text;default:'{}'"` // stepID -> jobID
	StartedAt    time.Time `gorm:"not null"`
	FinishedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "smtp.host", "alerts.webhook_url").
// Sensitive values are encrypted at the application layer via EncryptedString
// before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// Notifications (operational alerts)
// -----------------------------------------------------------------------------

// Notification stores in-app / alert notifications delivered to admin users.
type Notification struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"` // "job_failed", "agent_disconnected", "circuit_open", etc.
	Title   string    `gorm:"not null"`
	Body    string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"`
}
