package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/repositories"
	"github.com/fleetmesh/shared/types"
)

// parseUUID extracts and parses a UUID path parameter by name. Writes a 400
// and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a UUID that is already in hand as a string (e.g.
// from JWT claims) rather than a path parameter. Unlike parseUUID it does
// not write an HTTP response — malformed claims indicate a server-side bug,
// not a bad request, so callers map the error to a 500.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// paginationOpts reads limit and offset query parameters for endpoints
// backed by internal/repositories, using the same defaults and cap as
// jobListOpts.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// enrollmentIDParam extracts the {id} path parameter without requiring it
// to parse as a UUID — enrollment ids are UUIDs internally, but the handler
// treats the value as an opaque string, letting the service layer be the
// one place that parses it.
func enrollmentIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// jobListOpts reads limit, offset, and status query parameters.
// Defaults: limit=20, offset=0, no status filter. Max limit capped at 100.
func jobListOpts(r *http.Request) jobstore.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return jobstore.ListOptions{
		Limit:  limit,
		Offset: offset,
		Status: types.JobStatus(r.URL.Query().Get("status")),
	}
}
