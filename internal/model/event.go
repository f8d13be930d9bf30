package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind represents the kind of content a monitored event carries.
type EventKind string

const (
	EventCallRecording EventKind = "call_recording"
	EventChatMessage   EventKind = "chat_message"
	EventVoiceMessage  EventKind = "voice_message"
)

// MessageType is the payload kind of a chat message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// ValidMessageType reports whether m is a known chat message type.
func ValidMessageType(m MessageType) bool {
	switch m {
	case MessageText, MessageVoice, MessageImage, MessageFile:
		return true
	}
	return false
}

// ScoringEligible reports whether content of this shape goes through the risk
// scorer. Text and voice carry assessable content; image and file chat
// messages are persisted as ledger facts without a scoring pass.
func ScoringEligible(kind EventKind, messageType MessageType) bool {
	if kind == EventChatMessage {
		return messageType == MessageText || messageType == MessageVoice
	}
	return true
}

// SessionTag is the risk classification derived from a risk score.
type SessionTag string

const (
	TagSafe        SessionTag = "safe"
	TagNeedsReview SessionTag = "needs_review"
	TagSuspicious  SessionTag = "suspicious"
	TagCritical    SessionTag = "critical"
)

// Score thresholds mapping risk scores to session tags. The monitoring stats
// risk_distribution buckets use the same boundaries, so the tag on an event
// and the bucket it lands in can never disagree.
const (
	ScoreCriticalMin    = 80
	ScoreSuspiciousMin  = 60
	ScoreNeedsReviewMin = 30
)

// TagForScore maps a risk score (0-100) to its session tag.
func TagForScore(score int) SessionTag {
	switch {
	case score >= ScoreCriticalMin:
		return TagCritical
	case score >= ScoreSuspiciousMin:
		return TagSuspicious
	case score >= ScoreNeedsReviewMin:
		return TagNeedsReview
	default:
		return TagSafe
	}
}

// RiskAssessment is the scorer's verdict on a piece of content.
type RiskAssessment struct {
	Score      int                `json:"score"`      // 0-100
	Emotions   map[string]float64 `json:"emotions,omitempty"`
	Patterns   []string           `json:"patterns,omitempty"`
	Confidence float64            `json:"confidence"` // 0-1
}

// MonitoredEvent is one scored piece of session content. ContentRef points at
// the stored payload — the payload itself is never persisted here.
// MonitorFlagged and MonitorNotes are the only fields mutable after insert.
type MonitoredEvent struct {
	ID             uuid.UUID      `json:"id"`
	Kind           EventKind      `json:"kind"`
	CallID         *uuid.UUID     `json:"call_id,omitempty"`
	ChatID         *string        `json:"chat_id,omitempty"`
	MessageType    *MessageType   `json:"message_type,omitempty"` // chat messages only
	ClientID       string         `json:"client_id"`
	ReaderID       *string        `json:"reader_id,omitempty"`
	ContentRef     string         `json:"content_ref"`
	StartOffset    *float64       `json:"start_offset,omitempty"` // seconds into the recording
	EndOffset      *float64       `json:"end_offset,omitempty"`
	Risk           RiskAssessment `json:"risk"`
	SessionTag     SessionTag     `json:"session_tag"`
	MonitorFlagged bool           `json:"monitor_flagged"`
	MonitorNotes   *string        `json:"monitor_notes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ValidEventKind reports whether k is a known event kind.
func ValidEventKind(k EventKind) bool {
	return k == EventCallRecording || k == EventChatMessage || k == EventVoiceMessage
}
