package server

import (
	"net/http"
	"time"

	"github.com/serenline/vigil/internal/model"
)

// HandleStats handles GET /v1/monitoring/stats?start=...&end=...
// Defaults to the trailing 24 hours when no window is given.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid start: expected RFC3339")
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid end: expected RFC3339")
		return
	}

	now := time.Now().UTC()
	if end == nil {
		end = &now
	}
	if start == nil {
		s := end.Add(-24 * time.Hour)
		start = &s
	}
	if !start.Before(*end) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "start must be before end")
		return
	}

	stats, err := h.db.Stats(r.Context(), *start, *end)
	if err != nil {
		h.writeInternalError(w, r, "failed to aggregate stats", err)
		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

// minRetentionDays guards against a typo'd cleanup request wiping the
// evidence trail of recent sessions.
const minRetentionDays = 1

// HandleCleanup handles POST /v1/monitoring/cleanup (admin only).
// Deletes monitoring data older than retention_days across all
// retention-managed tables and prunes stale idempotency keys.
func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	var req model.CleanupRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.RetentionDays < minRetentionDays {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "retention_days must be at least 1")
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -req.RetentionDays)
	result, err := h.db.Cleanup(r.Context(), cutoff)
	if err != nil {
		h.writeInternalError(w, r, "cleanup failed", err)
		return
	}

	if n, err := h.db.CleanupIdempotencyKeys(r.Context(), 24*time.Hour, time.Hour); err != nil {
		h.logger.Warn("idempotency key cleanup failed", "error", err)
	} else if n > 0 {
		h.logger.Info("pruned idempotency keys", "count", n)
	}

	h.logger.Info("retention cleanup completed",
		"cutoff", cutoff,
		"events", result.MonitoredEvents,
		"session_records", result.SessionRecords,
		"alerts", result.EscalationAlerts,
		"sirens", result.SirenAlerts,
		"activity", result.MonitorActivityLog,
		"actor", actorFromContext(r.Context()).UserID,
	)

	writeJSON(w, r, http.StatusOK, result)
}

// HandleActivity handles GET /v1/monitoring/activity.
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	entries, err := h.db.ListActivity(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list activity", err)
		return
	}

	writeList(w, r, entries, len(entries) == limit, limit, offset)
}

// HandleSessionRecords handles GET /v1/emergency-calls/{id}/records.
// The append-only ledger slice for one call, for incident review.
func (h *Handlers) HandleSessionRecords(w http.ResponseWriter, r *http.Request) {
	callID, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call id")
		return
	}

	records, err := h.db.ListSessionRecordsByCall(r.Context(), callID, queryLimit(r, 1000))
	if err != nil {
		h.writeInternalError(w, r, "failed to list session records", err)
		return
	}

	writeJSON(w, r, http.StatusOK, records)
}
