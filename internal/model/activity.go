package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorAction enumerates the human actions recorded in the activity log.
type MonitorAction string

const (
	ActionWatched           MonitorAction = "watched"
	ActionStoppedCall       MonitorAction = "stopped_call"
	ActionBannedUser        MonitorAction = "banned_user"
	ActionFlaggedContent    MonitorAction = "flagged_content"
	ActionReviewedAlert     MonitorAction = "reviewed_alert"
	ActionResolvedAlert     MonitorAction = "resolved_alert"
	ActionSirenAcknowledged MonitorAction = "siren_acknowledged"
	ActionSirenStopped      MonitorAction = "siren_stopped"
)

// MonitorActivityLogEntry is one append-only record of a human action.
// AI-driven transitions never write here; this log answers "which person
// did what, when" during incident review.
type MonitorActivityLogEntry struct {
	ID           uuid.UUID     `json:"id"`
	ActorUserID  string        `json:"actor_user_id"`
	ActorRole    Role          `json:"actor_role"`
	Action       MonitorAction `json:"action"`
	CallID       *uuid.UUID    `json:"call_id,omitempty"`
	TargetUserID *string       `json:"target_user_id,omitempty"`
	AlertID      *uuid.UUID    `json:"alert_id,omitempty"`
	SirenID      *uuid.UUID    `json:"siren_id,omitempty"`
	Notes        *string       `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}
