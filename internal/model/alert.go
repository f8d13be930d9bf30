package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertType identifies what kind of content triggered an escalation alert.
type AlertType string

const (
	AlertCallViolation         AlertType = "call_violation"
	AlertChatViolation         AlertType = "chat_violation"
	AlertVoiceMessageViolation AlertType = "voice_message_violation"
)

// AlertSeverity is the urgency of an escalation alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert feedback values recorded at resolution time.
const (
	FeedbackAccurate      = "accurate"
	FeedbackFalsePositive = "false_positive"
)

// SeverityForTag maps a session tag to the severity of the alert it raises.
func SeverityForTag(tag SessionTag) AlertSeverity {
	switch tag {
	case TagCritical:
		return SeverityCritical
	case TagSuspicious:
		return SeverityHigh
	case TagNeedsReview:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlertTypeForKind maps an event kind to the alert type it raises.
func AlertTypeForKind(kind EventKind) AlertType {
	switch kind {
	case EventChatMessage:
		return AlertChatViolation
	case EventVoiceMessage:
		return AlertVoiceMessageViolation
	default:
		return AlertCallViolation
	}
}

// EscalationAlert is raised by the escalation engine and resolved by a human.
// Feedback ("accurate" / "false_positive") feeds the scorer accuracy stats.
type EscalationAlert struct {
	ID         uuid.UUID     `json:"id"`
	Type       AlertType     `json:"alert_type"`
	Severity   AlertSeverity `json:"severity"`
	CallID     *uuid.UUID    `json:"call_id,omitempty"`
	ChatID     *string       `json:"chat_id,omitempty"`
	EventID    *uuid.UUID    `json:"event_id,omitempty"`
	ClientID   string        `json:"client_id"`
	ReaderID   *string       `json:"reader_id,omitempty"`
	Confidence float64       `json:"confidence"`
	Resolved   bool          `json:"resolved"`
	ResolvedBy *string       `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	Feedback   *string       `json:"feedback,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
