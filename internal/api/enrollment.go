package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/enrollment"
	"github.com/fleetmesh/shared/types"
)

// EnrollmentHandler exposes the admin side of node admission: the pending
// queue plus approve/reject decisions. The node-facing half of enrollment
// (Submit) runs over the gRPC hub stream, not this REST surface.
type EnrollmentHandler struct {
	svc    *enrollment.Service
	logger *zap.Logger
}

func NewEnrollmentHandler(svc *enrollment.Service, logger *zap.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{svc: svc, logger: logger.Named("enrollment_handler")}
}

type enrollmentRequestResponse struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Pending handles GET /api/v1/enrollment/pending.
func (h *EnrollmentHandler) Pending(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.Pending(r.Context())
	if err != nil {
		h.logger.Error("list pending enrollments failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make([]enrollmentRequestResponse, len(reqs))
	for i, er := range reqs {
		out[i] = enrollmentRequestResponse{
			ID:        er.ID.String(),
			NodeID:    er.NodeID,
			NodeName:  er.NodeName,
			Status:    er.Status,
			CreatedAt: er.CreatedAt.UTC().Format(timeFormat),
		}
	}
	Ok(w, out)
}

type approveEnrollmentRequest struct {
	GrantedCapabilities []types.Capability `json:"granted_capabilities,omitempty"`
}

// Approve handles POST /api/v1/enrollment/{id}/approve.
func (h *EnrollmentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := enrollmentIDParam(r)
	if id == "" {
		ErrBadRequest(w, "enrollment id is required")
		return
	}
	var req approveEnrollmentRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	actor := actorFromRequest(r)
	result, err := h.svc.Approve(r.Context(), id, req.GrantedCapabilities, actor)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, enrollmentResultResponse(result))
}

type rejectEnrollmentRequest struct {
	Reason      string `json:"reason"`
	BlockFuture bool   `json:"block_future,omitempty"`
}

// Reject handles POST /api/v1/enrollment/{id}/reject.
func (h *EnrollmentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id := enrollmentIDParam(r)
	if id == "" {
		ErrBadRequest(w, "enrollment id is required")
		return
	}
	var req rejectEnrollmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := actorFromRequest(r)
	result, err := h.svc.Reject(r.Context(), id, req.Reason, actor, req.BlockFuture)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, enrollmentResultResponse(result))
}

type enrollmentResultBody struct {
	EnrollmentID string `json:"enrollment_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

func enrollmentResultResponse(r *enrollment.Result) enrollmentResultBody {
	return enrollmentResultBody{
		EnrollmentID: r.EnrollmentID,
		Status:       string(r.Status),
		Reason:       r.Reason,
	}
}

// actorFromRequest returns the authenticated admin's identity for audit
// trails. Falls back to "admin" if claims are somehow absent (should not
// happen behind Authenticate middleware).
func actorFromRequest(r *http.Request) string {
	if claims := claimsFromCtx(r.Context()); claims != nil {
		return claims.Email
	}
	return "admin"
}
