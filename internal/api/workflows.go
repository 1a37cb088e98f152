package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/server/internal/workflow"
)

// WorkflowHandler exposes workflow definition creation, run submission, and
// run/definition queries (SPEC_FULL.md §8 — the supplemented, deliberately
// minimal DAG runner).
type WorkflowHandler struct {
	runner *workflow.Runner
	store  *workflow.Store
	logger *zap.Logger
}

func NewWorkflowHandler(runner *workflow.Runner, store *workflow.Store, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{runner: runner, store: store, logger: logger.Named("workflow_handler")}
}

type createDefinitionRequest struct {
	Name  string              `json:"name"`
	Steps []workflow.Step     `json:"steps"`
	Edges map[string][]string `json:"edges"`
}

// CreateDefinition handles POST /api/v1/workflows.
func (h *WorkflowHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req createDefinitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	def := workflow.Definition{Name: req.Name, Steps: req.Steps, Edges: req.Edges}
	if err := def.Validate(); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	row, err := h.store.CreateDefinition(r.Context(), def)
	if err != nil {
		h.logger.Error("create workflow definition failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, row)
}

// ListDefinitions handles GET /api/v1/workflows.
func (h *WorkflowHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListDefinitions(r.Context())
	if err != nil {
		h.logger.Error("list workflow definitions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, defs)
}

// GetDefinition handles GET /api/v1/workflows/{id}.
func (h *WorkflowHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	row, _, err := h.store.GetDefinition(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	Ok(w, row)
}

type startRunRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StartRun handles POST /api/v1/workflows/{id}/runs — it creates a run and
// submits every step with no dependencies; further steps are submitted as
// the event bus observes their dependencies complete (internal/workflow.Runner).
func (h *WorkflowHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req startRunRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	run, err := h.runner.StartRun(r.Context(), id, req.CorrelationID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	Created(w, run)
}

// ListRuns handles GET /api/v1/workflows/{id}/runs.
func (h *WorkflowHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	runs, err := h.store.ListRuns(r.Context(), id)
	if err != nil {
		h.logger.Error("list workflow runs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, runs)
}

// GetRun handles GET /api/v1/workflow-runs/{id}.
func (h *WorkflowHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	Ok(w, run)
}

func (h *WorkflowHandler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orcherr.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("workflow request failed", zap.Error(err))
		ErrInternal(w)
	}
}
