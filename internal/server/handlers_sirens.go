package server

import (
	"net/http"

	"github.com/serenline/vigil/internal/auth"
	"github.com/serenline/vigil/internal/model"
)

// canActOnSiren reports whether claims may acknowledge or stop a siren:
// the targeted user, or monitoring staff.
func canActOnSiren(claims *auth.Claims, s model.SirenAlert) bool {
	return claims.UserID == s.TargetUserID || model.RoleAtLeast(claims.Role, model.RoleMonitor)
}

// HandleAcknowledgeSiren handles POST /v1/sirens/{id}/acknowledge.
// Acknowledging records that a human has seen the alarm; it keeps sounding
// until explicitly stopped.
func (h *Handlers) HandleAcknowledgeSiren(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sirenID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid siren id")
		return
	}

	current, err := h.db.GetSiren(r.Context(), sirenID)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}
	if !canActOnSiren(claims, current) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "siren is not addressed to you")
		return
	}

	acked, err := h.sirens.Acknowledge(r.Context(), sirenID, actorFromContext(r.Context()))
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, acked)
}

// HandleStopSiren handles POST /v1/sirens/{id}/stop.
// A reason is mandatory: silencing a forced alarm must be attributable.
func (h *Handlers) HandleStopSiren(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sirenID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid siren id")
		return
	}

	var req model.StopSirenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required to stop a siren")
		return
	}
	if len(req.Reason) > model.MaxReasonLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason too long")
		return
	}

	current, err := h.db.GetSiren(r.Context(), sirenID)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}
	if !canActOnSiren(claims, current) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "siren is not addressed to you")
		return
	}

	stopped, err := h.sirens.Stop(r.Context(), sirenID, actorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, stopped)
}

// HandleListMySirens handles GET /v1/sirens (active sirens for the caller).
func (h *Handlers) HandleListMySirens(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sirens, err := h.db.ListActiveSirensForUser(r.Context(), claims.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sirens", err)
		return
	}

	writeJSON(w, r, http.StatusOK, sirens)
}
