package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/dispatcher"
	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

// JobHandler exposes job submit/query/cancel. Submission and
// cancellation go through the dispatcher so the FSM stays the sole authority
// over Job.Status; plain reads go straight to the job store.
type JobHandler struct {
	disp   *dispatcher.Dispatcher
	jobs   *jobstore.Store
	logger *zap.Logger
}

func NewJobHandler(disp *dispatcher.Dispatcher, jobs *jobstore.Store, logger *zap.Logger) *JobHandler {
	return &JobHandler{disp: disp, jobs: jobs, logger: logger.Named("job_handler")}
}

type submitJobRequest struct {
	Command              string              `json:"command"`
	Parameters           json.RawMessage     `json:"parameters,omitempty"`
	Priority             int                 `json:"priority,omitempty"`
	TimeoutSeconds       int                 `json:"timeout_seconds,omitempty"`
	MaxRetries           int                 `json:"max_retries,omitempty"`
	TargetAgentID        string              `json:"target_agent_id,omitempty"`
	RequiredCapabilities []types.Capability  `json:"required_capabilities,omitempty"`
	IdempotencyKey       string              `json:"idempotency_key,omitempty"`
	CorrelationID        string              `json:"correlation_id,omitempty"`
	Metadata             map[string]string   `json:"metadata,omitempty"`
}

type submitJobResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Reason   string `json:"reason,omitempty"`
}

// Submit handles POST /api/v1/jobs. Resubmitting the same
// idempotency key with a differing payload is a 409, whether or not the
// existing job is terminal; a matching payload returns the existing job id
// with a 200 instead of a fresh 201.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		Ok(w, submitJobResponse{Accepted: false, Reason: "command is required"})
		return
	}

	caps, _ := json.Marshal(req.RequiredCapabilities)
	meta, _ := json.Marshal(req.Metadata)

	job := &db.Job{
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Parameters:           []byte(req.Parameters),
		Priority:             req.Priority,
		TimeoutSeconds:       req.TimeoutSeconds,
		MaxRetries:           req.MaxRetries,
		TargetAgentID:        req.TargetAgentID,
		RequiredCapabilities: string(caps),
		CorrelationID:        req.CorrelationID,
		Metadata:             string(meta),
	}

	stored, created, err := h.disp.Submit(r.Context(), job)
	if err != nil {
		if errors.Is(err, orcherr.ErrConflict) {
			ErrConflict(w, "idempotency key already used by a differing payload")
			return
		}
		h.logger.Error("job submission failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := submitJobResponse{Accepted: true, JobID: stored.ID.String()}
	if created {
		Created(w, resp)
		return
	}
	Ok(w, resp)
}

type jobResponse struct {
	ID                  string  `json:"id"`
	Command             string  `json:"command"`
	Status              string  `json:"status"`
	Priority            int     `json:"priority"`
	AssignedAgentID     string  `json:"assigned_agent_id,omitempty"`
	AttemptCount        int     `json:"attempt_count"`
	LastProgressPercent float64 `json:"last_progress_percent,omitempty"`
	LastProgressMessage string  `json:"last_progress_message,omitempty"`
	ErrorCode           string  `json:"error_code,omitempty"`
	ErrorMessage        string  `json:"error_message,omitempty"`
}

func jobToResponse(j *db.Job) jobResponse {
	return jobResponse{
		ID:                  j.ID.String(),
		Command:             j.Command,
		Status:              j.Status,
		Priority:            j.Priority,
		AssignedAgentID:     j.AssignedAgentID,
		AttemptCount:        j.AttemptCount,
		LastProgressPercent: j.LastProgressPercent,
		LastProgressMessage: j.LastProgressMessage,
		ErrorCode:           j.ErrorCode,
		ErrorMessage:        j.ErrorMessage,
	}
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, orcherr.ErrUnknownJob) || errors.Is(err, orcherr.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.jobs.List(r.Context(), jobListOpts(r))
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = jobToResponse(&jobs[i])
	}
	JSON(w, http.StatusOK, envelope{"data": out, "total": total})
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req cancelJobRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.disp.Cancel(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, orcherr.ErrUnknownJob) || errors.Is(err, orcherr.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("cancel job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
