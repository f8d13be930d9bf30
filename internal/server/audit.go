package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/serenline/vigil/internal/model"
)

// activityEntry is the builder for a monitor activity log record. Actor
// fields are filled from the request claims by recordActivity.
type activityEntry struct {
	Action       model.MonitorAction
	CallID       *uuid.UUID
	TargetUserID *string
	AlertID      *uuid.UUID
	SirenID      *uuid.UUID
	Notes        *string
}

// recordActivity writes a human action to the monitor activity log
// synchronously. Handlers for human actions call this before responding so
// the audit trail can never lag the mutation it describes.
func (h *Handlers) recordActivity(r *http.Request, e activityEntry) error {
	actor := actorFromContext(r.Context())
	_, err := h.db.InsertActivity(r.Context(), model.MonitorActivityLogEntry{
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		Action:       e.Action,
		CallID:       e.CallID,
		TargetUserID: e.TargetUserID,
		AlertID:      e.AlertID,
		SirenID:      e.SirenID,
		Notes:        e.Notes,
	})
	return err
}
