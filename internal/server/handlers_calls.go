package server

import (
	"net/http"

	"github.com/serenline/vigil/internal/model"
)

// HandleCreateCall handles POST /v1/emergency-calls.
// The client identity comes from the JWT, never the body. Supports
// Idempotency-Key for safe retries.
func (h *Handlers) HandleCreateCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateCallRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.ClientID = claims.UserID

	if !model.ValidCallType(req.CallType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "call_type must be voice or video")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.UserID, "POST:/v1/emergency-calls", req)
	if !proceed {
		return
	}

	call, err := h.engine.Create(r.Context(), req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.mapStorageError(w, r, err)
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, call)
	writeJSON(w, r, http.StatusCreated, call)
}

// HandleAcceptCall handles POST /v1/emergency-calls/{id}/accept.
// Exactly one reader wins a pending call; everyone else gets 409.
func (h *Handlers) HandleAcceptCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	callID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call id")
		return
	}

	call, err := h.engine.Accept(r.Context(), callID, claims.UserID)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, call)
}

// HandleEndCall handles POST /v1/emergency-calls/{id}/end.
// Participants end their own call; monitors and admins may stop any call,
// which is recorded in the activity log.
func (h *Handlers) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	callID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call id")
		return
	}

	var req model.EndCallRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	if len(req.Reason) > model.MaxReasonLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason too long")
		return
	}

	call, err := h.db.GetCall(r.Context(), callID)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}
	if !canAccessCall(claims, call) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant of this call")
		return
	}

	reason := req.Reason
	if reason == "" {
		switch {
		case claims.UserID == call.ClientID:
			reason = model.EndReasonClientEnded
		case call.ReaderID != nil && *call.ReaderID == claims.UserID:
			reason = model.EndReasonReaderEnded
		default:
			reason = model.EndReasonMonitorStop
		}
	}

	ended, err := h.engine.End(r.Context(), callID, actorFromContext(r.Context()), reason)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	// A monitor stopping someone else's call is a human intervention and
	// must be attributable.
	if model.RoleAtLeast(claims.Role, model.RoleMonitor) &&
		claims.UserID != ended.ClientID &&
		(ended.ReaderID == nil || *ended.ReaderID != claims.UserID) {
		if err := h.recordActivity(r, activityEntry{
			Action:       model.ActionStoppedCall,
			CallID:       &ended.ID,
			TargetUserID: &ended.ClientID,
		}); err != nil {
			h.writeInternalError(w, r, "failed to record stop activity", err)
			return
		}
	}

	writeJSON(w, r, http.StatusOK, ended)
}

// HandleGetCall handles GET /v1/emergency-calls/{id}.
// Returns the full call state including escalation level and active sirens.
func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	callID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call id")
		return
	}

	call, err := h.db.GetCall(r.Context(), callID)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}
	if !canAccessCall(claims, call) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant of this call")
		return
	}

	sirens, err := h.db.ListActiveSirensForCall(r.Context(), callID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list active sirens", err)
		return
	}
	call.ActiveSirens = sirens

	writeJSON(w, r, http.StatusOK, call)
}

// HandleListCalls handles GET /v1/calls (monitoring view).
func (h *Handlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	calls, err := h.db.ListCalls(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list calls", err)
		return
	}

	writeJSON(w, r, http.StatusOK, calls)
}
