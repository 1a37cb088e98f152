package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/enrollment"
)

// BootstrapTokenHandler exposes the TOFU bootstrap-token controls: generate
// a new token (choosing its auto-approve setting at generation time) and
// enable/disable bootstrap admission. There is no separate auto-approve toggle.
// The raw token is returned exactly once, at generation time — the hashed
// form is all that persists.
type BootstrapTokenHandler struct {
	svc    *enrollment.Service
	logger *zap.Logger
}

func NewBootstrapTokenHandler(svc *enrollment.Service, logger *zap.Logger) *BootstrapTokenHandler {
	return &BootstrapTokenHandler{svc: svc, logger: logger.Named("bootstrap_token_handler")}
}

type bootstrapTokenRequest struct {
	AutoApprove bool `json:"auto_approve"`
}

type bootstrapTokenResponse struct {
	Token       string `json:"token"`
	AutoApprove bool   `json:"auto_approve"`
}

// Regenerate handles POST /api/v1/bootstrap-token. Generates a fresh random
// token, replacing whatever token (if any) is currently active.
func (h *BootstrapTokenHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req bootstrapTokenRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	raw, err := randomToken()
	if err != nil {
		h.logger.Error("generating bootstrap token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.svc.SetBootstrapToken(r.Context(), raw, req.AutoApprove); err != nil {
		h.logger.Error("persisting bootstrap token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, bootstrapTokenResponse{Token: raw, AutoApprove: req.AutoApprove})
}

type bootstrapEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled handles PUT /api/v1/bootstrap-token/enabled.
func (h *BootstrapTokenHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req bootstrapEnabledRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetBootstrapEnabled(r.Context(), req.Enabled); err != nil {
		h.logger.Error("toggling bootstrap enrollment failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
