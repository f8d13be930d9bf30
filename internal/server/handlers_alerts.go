package server

import (
	"net/http"
	"strconv"

	"github.com/serenline/vigil/internal/model"
)

// HandleResolveAlert handles POST /v1/alerts/{id}/resolve.
// Resolution carries feedback on the AI verdict and is the only path that
// resets a call's escalation level back to zero.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid alert id")
		return
	}

	var req model.ResolveAlertRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Feedback != model.FeedbackAccurate && req.Feedback != model.FeedbackFalsePositive {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"feedback must be accurate or false_positive")
		return
	}
	if req.Notes != nil && len(*req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes too long")
		return
	}

	alert, err := h.engine.Resolve(r.Context(), alertID, actorFromContext(r.Context()), req.Feedback, req.Notes)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, alert)
}

// HandleListAlerts handles GET /v1/alerts. ?open=true narrows to unresolved.
func (h *Handlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	onlyOpen, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	alerts, err := h.db.ListAlerts(r.Context(), onlyOpen, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list alerts", err)
		return
	}

	writeJSON(w, r, http.StatusOK, alerts)
}
