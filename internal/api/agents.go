package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/agentstore"
	"github.com/fleetmesh/server/internal/registry"
)

// AgentHandler exposes the agent presence table (live, from the registry)
// joined with the persisted agent record (agentstore) — list/get only, per
// the admin REST surface's read-mostly treatment of agents. Admission
// (enrollment, certificates) lives in EnrollmentHandler/CertificateHandler.
type AgentHandler struct {
	reg    *registry.Registry
	store  *agentstore.Store
	logger *zap.Logger
}

func NewAgentHandler(reg *registry.Registry, store *agentstore.Store, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{reg: reg, store: store, logger: logger.Named("agent_handler")}
}

type agentResponse struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Group           string `json:"group"`
	Status          string `json:"status"`
	Connected       bool   `json:"connected"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

func presenceToResponse(p registry.Presence) agentResponse {
	resp := agentResponse{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Group:       p.Group,
		Status:      string(p.Status),
		Connected:   true,
	}
	if !p.LastHeartbeatAt.IsZero() {
		resp.LastHeartbeatAt = p.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// List handles GET /api/v1/agents. Returns the live presence table; agents
// that have a persisted record but are not currently connected are not
// included here — see GetByID for the persisted-record fallback.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	capability := r.URL.Query().Get("capability")

	var presences []registry.Presence
	switch {
	case group != "":
		presences = h.reg.ByGroup(group)
	case capability != "":
		presences = h.reg.ByCapability(capability)
	default:
		presences = h.reg.All()
	}

	out := make([]agentResponse, len(presences))
	for i, p := range presences {
		out[i] = presenceToResponse(p)
	}
	Ok(w, out)
}

// GetByID handles GET /api/v1/agents/{id}, where {id} is the external
// (node-supplied) agent id. Prefers the live presence entry; falls back to
// the persisted record for a currently-disconnected agent.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		ErrBadRequest(w, "agent id is required")
		return
	}

	if p, ok := h.reg.Get(id); ok {
		Ok(w, presenceToResponse(p))
		return
	}

	rec, err := h.store.GetByExternalID(r.Context(), id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, agentResponse{
		ID:          rec.ExternalID,
		DisplayName: rec.DisplayName,
		Group:       rec.Group,
		Status:      rec.Status,
		Connected:   false,
	})
}
