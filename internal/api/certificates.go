package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/credentialstore"
)

// CertificateHandler exposes per-node certificate lookup, revocation, and
// the revocation list.
type CertificateHandler struct {
	certs  *credentialstore.Store
	logger *zap.Logger
}

func NewCertificateHandler(certs *credentialstore.Store, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{certs: certs, logger: logger.Named("certificate_handler")}
}

type certificateResponse struct {
	Serial    string `json:"serial"`
	NodeID    string `json:"node_id"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

// List handles GET /api/v1/certificates.
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	certs, err := h.certs.ListCertificates(r.Context())
	if err != nil {
		h.logger.Error("list certificates failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make([]certificateResponse, len(certs))
	for i, c := range certs {
		out[i] = certificateResponse{
			Serial:    c.Serial,
			NodeID:    c.NodeID,
			IssuedAt:  c.IssuedAt.UTC().Format(timeFormat),
			ExpiresAt: c.ExpiresAt.UTC().Format(timeFormat),
		}
	}
	Ok(w, out)
}

// GetByNode handles GET /api/v1/agents/{id}/certificate.
func (h *CertificateHandler) GetByNode(w http.ResponseWriter, r *http.Request) {
	nodeID := enrollmentIDParam(r)
	cert, err := h.certs.GetByNodeID(r.Context(), nodeID)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, certificateResponse{
		Serial:    cert.Serial,
		NodeID:    cert.NodeID,
		IssuedAt:  cert.IssuedAt.UTC().Format(timeFormat),
		ExpiresAt: cert.ExpiresAt.UTC().Format(timeFormat),
	})
}

type revokeCertificateRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /api/v1/agents/{id}/certificate/revoke.
func (h *CertificateHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	nodeID := enrollmentIDParam(r)
	var req revokeCertificateRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	actor := actorFromRequest(r)
	if err := h.certs.Revoke(r.Context(), nodeID, req.Reason, actor); err != nil {
		ErrNotFound(w)
		return
	}
	NoContent(w)
}

type revokedCertificateResponse struct {
	Serial    string `json:"serial"`
	NodeID    string `json:"node_id"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
	RevokedAt string `json:"revoked_at"`
}

// ListRevoked handles GET /api/v1/certificates/revoked.
func (h *CertificateHandler) ListRevoked(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.certs.ListRevoked(r.Context())
	if err != nil {
		h.logger.Error("list revoked certificates failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make([]revokedCertificateResponse, len(revoked))
	for i, rv := range revoked {
		out[i] = revokedCertificateResponse{
			Serial:    rv.Serial,
			NodeID:    rv.NodeID,
			Reason:    rv.Reason,
			Actor:     rv.Actor,
			RevokedAt: rv.RevokedAt.UTC().Format(timeFormat),
		}
	}
	Ok(w, out)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
