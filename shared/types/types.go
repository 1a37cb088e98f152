// Package types defines shared domain types used by both server and agent.
package types

import "time"

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus represents the current lifecycle state of an agent in the
// registry's presence FSM.
type AgentStatus string

const (
	AgentStatusCreated      AgentStatus = "created"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusReady        AgentStatus = "ready"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusStopping     AgentStatus = "stopping"
	AgentStatusStopped      AgentStatus = "stopped"
	AgentStatusFaulted      AgentStatus = "faulted"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// Capability is a purely declarative tag used for job-to-agent matching.
// It carries no semantic meaning beyond set membership.
type Capability struct {
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus represents the current state of a job in the dispatcher FSM.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// JobTrigger indicates how a job was initiated.
type JobTrigger string

const (
	JobTriggerScheduler JobTrigger = "scheduler"
	JobTriggerManual    JobTrigger = "manual"
	JobTriggerAPI       JobTrigger = "api"
	JobTriggerWorkflow  JobTrigger = "workflow"
)

// ─── Enrollment ──────────────────────────────────────────────────────────────

// EnrollmentStatus represents the state of a node's enrollment request.
type EnrollmentStatus string

const (
	EnrollmentStatusPending  EnrollmentStatus = "pending"
	EnrollmentStatusApproved EnrollmentStatus = "approved"
	EnrollmentStatusRejected EnrollmentStatus = "rejected"
	EnrollmentStatusExpired  EnrollmentStatus = "expired"
)

// ─── Auth ────────────────────────────────────────────────────────────────────

// AuthProvider identifies the authentication method used by an admin user.
type AuthProvider string

const (
	AuthProviderLocal AuthProvider = "local"
	AuthProviderOIDC  AuthProvider = "oidc"
)

// UserRole represents the permission level of an admin user.
type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleOperator UserRole = "operator"
	UserRoleViewer   UserRole = "viewer"
)

// ─── Workflow ────────────────────────────────────────────────────────────────

// WorkflowRunStatus represents the aggregate state of a workflow run.
type WorkflowRunStatus string

const (
	WorkflowRunStatusRunning   WorkflowRunStatus = "running"
	WorkflowRunStatusCompleted WorkflowRunStatus = "completed"
	WorkflowRunStatusFailed    WorkflowRunStatus = "failed"
	WorkflowRunStatusCancelled WorkflowRunStatus = "cancelled"
)

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
