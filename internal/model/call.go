package model

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents the media type of an emergency call.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus represents the lifecycle state of an emergency call.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusConnected CallStatus = "connected"
	CallStatusEscalated CallStatus = "escalated"
	CallStatusEnded     CallStatus = "ended"
)

// MaxEscalationLevel is the ceiling for escalation_level. Levels only move
// up while a call is live; a human resolution is the only path back to 0.
const MaxEscalationLevel = 5

// StaffBroadcastLevel is the escalation level from which sirens stop being
// the assigned reader's problem alone: admins and monitors are sirened too.
// A single critical event jumps a call straight to this level.
const StaffBroadcastLevel = 3

// End reasons recorded on emergency_calls.end_reason.
const (
	EndReasonClientEnded       = "client_ended"
	EndReasonReaderEnded       = "reader_ended"
	EndReasonMonitorStop       = "monitor_stopped"
	EndReasonUnansweredTimeout = "timeout"
)

// EmergencyCall represents a client's emergency call and its escalation state.
// ReaderID is nil exactly while the call is pending.
type EmergencyCall struct {
	ID              uuid.UUID    `json:"id"`
	ClientID        string       `json:"client_id"`
	ReaderID        *string      `json:"reader_id,omitempty"`
	CallType        CallType     `json:"call_type"`
	Status          CallStatus   `json:"status"`
	EscalationLevel int          `json:"escalation_level"`
	Priority        string       `json:"priority"`
	Language        string       `json:"language"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	DurationSeconds *int         `json:"duration_seconds,omitempty"`
	EndReason       *string      `json:"end_reason,omitempty"`
	ActiveSirens    []SirenAlert `json:"active_sirens,omitempty"`
}

// ValidTransition reports whether a status transition is legal.
// Ended is terminal. A pending call may end without ever connecting
// (client hangup or the unanswered timeout).
func ValidTransition(from, to CallStatus) bool {
	switch from {
	case CallStatusPending:
		return to == CallStatusConnected || to == CallStatusEnded
	case CallStatusConnected:
		return to == CallStatusEscalated || to == CallStatusEnded
	case CallStatusEscalated:
		return to == CallStatusConnected || to == CallStatusEnded
	default:
		return false
	}
}

// ValidCallType reports whether t is a known call type.
func ValidCallType(t CallType) bool {
	return t == CallTypeVoice || t == CallTypeVideo
}
