package server

import (
	"net/http"

	"github.com/serenline/vigil/internal/model"
)

// HandleIngestEvent handles POST /v1/monitored-events.
// Returns 202 immediately; scoring, persistence, and escalation run
// asynchronously so a slow classifier never backs up the media pipeline.
func (h *Handlers) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req model.IngestEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.ingest.Submit(r.Context(), req); err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleFlagEvent handles POST /v1/monitored-events/{id}/flag.
// Human override of the AI verdict; logged to the activity trail.
func (h *Handlers) HandleFlagEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid event id")
		return
	}

	var req model.FlagEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Notes != nil && len(*req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes too long")
		return
	}

	event, err := h.db.FlagEvent(r.Context(), eventID, req.Flagged, req.Notes)
	if err != nil {
		h.mapStorageError(w, r, err)
		return
	}

	if err := h.recordActivity(r, activityEntry{
		Action:       model.ActionFlaggedContent,
		CallID:       event.CallID,
		TargetUserID: &event.ClientID,
		Notes:        req.Notes,
	}); err != nil {
		h.writeInternalError(w, r, "failed to record flag activity", err)
		return
	}

	writeJSON(w, r, http.StatusOK, event)
}

// HandleListCallEvents handles GET /v1/emergency-calls/{id}/events.
func (h *Handlers) HandleListCallEvents(w http.ResponseWriter, r *http.Request) {
	callID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call id")
		return
	}

	events, err := h.db.ListEventsByCall(r.Context(), callID, queryLimit(r, 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to list events", err)
		return
	}

	writeJSON(w, r, http.StatusOK, events)
}
