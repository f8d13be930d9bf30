package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits on caller-controlled text fields. These keep a single
// oversized field from filling Postgres TEXT columns or bloating the scorer
// request.
const (
	MaxContentRefLen = 1024
	MaxContentLen    = 64 * 1024 // 64 KB
	MaxNotesLen      = 8 * 1024
	MaxReasonLen     = 512
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeInvalidReference  = "INVALID_REFERENCE"
	ErrCodeAlreadyAccepted   = "ALREADY_ACCEPTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeScoringTimeout    = "SCORING_TIMEOUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateCallRequest is the request body for POST /v1/emergency-calls.
// ClientID comes from JWT claims, never from the body.
type CreateCallRequest struct {
	ClientID string   `json:"-"`
	CallType CallType `json:"call_type"`
	Priority string   `json:"priority,omitempty"`
	Language string   `json:"language,omitempty"`
}

// EndCallRequest is the request body for POST /v1/emergency-calls/{id}/end.
type EndCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// IngestEventRequest is the request body for POST /v1/monitored-events.
// Content is the raw text handed to the scorer; it is scored and discarded,
// never persisted. ContentRef is what lands in the ledger.
type IngestEventRequest struct {
	Kind        EventKind    `json:"kind"`
	CallID      *uuid.UUID   `json:"call_id,omitempty"`
	ChatID      *string      `json:"chat_id,omitempty"`
	MessageType *MessageType `json:"message_type,omitempty"` // chat messages only
	ClientID    string       `json:"client_id"`
	ReaderID    *string      `json:"reader_id,omitempty"`
	ContentRef  string       `json:"content_ref"`
	Content     string       `json:"content,omitempty"`
	StartOffset *float64     `json:"start_offset,omitempty"` // call-recording segments only
	EndOffset   *float64     `json:"end_offset,omitempty"`
}

// ResolvedMessageType returns the request's message type, defaulting chat
// messages to text. Non-chat kinds have no message type.
func (r IngestEventRequest) ResolvedMessageType() *MessageType {
	if r.Kind != EventChatMessage {
		return nil
	}
	if r.MessageType != nil {
		return r.MessageType
	}
	t := MessageText
	return &t
}

// Validate checks structural validity of an ingest request. Reference
// existence is checked separately against storage.
func (r IngestEventRequest) Validate() error {
	if !ValidEventKind(r.Kind) {
		return fmt.Errorf("unknown event kind %q", r.Kind)
	}
	if r.CallID == nil && (r.ChatID == nil || *r.ChatID == "") {
		return fmt.Errorf("one of call_id or chat_id is required")
	}
	if r.ContentRef == "" {
		return fmt.Errorf("content_ref is required")
	}
	if len(r.ContentRef) > MaxContentRefLen {
		return fmt.Errorf("content_ref exceeds maximum length of %d characters", MaxContentRefLen)
	}
	if len(r.Content) > MaxContentLen {
		return fmt.Errorf("content exceeds maximum length of %d bytes", MaxContentLen)
	}
	if r.MessageType != nil {
		if r.Kind != EventChatMessage {
			return fmt.Errorf("message_type applies to chat messages only")
		}
		if !ValidMessageType(*r.MessageType) {
			return fmt.Errorf("unknown message type %q", *r.MessageType)
		}
	}
	if r.StartOffset != nil || r.EndOffset != nil {
		if r.Kind != EventCallRecording {
			return fmt.Errorf("segment offsets apply to call recordings only")
		}
		if r.StartOffset != nil && *r.StartOffset < 0 {
			return fmt.Errorf("start_offset must not be negative")
		}
		if r.StartOffset != nil && r.EndOffset != nil && *r.EndOffset <= *r.StartOffset {
			return fmt.Errorf("end_offset must be after start_offset")
		}
	}
	if err := ValidateUserID(r.ClientID); err != nil {
		return fmt.Errorf("client_id: %w", err)
	}
	return nil
}

// FlagEventRequest is the request body for POST /v1/monitored-events/{id}/flag.
type FlagEventRequest struct {
	Flagged bool    `json:"flagged"`
	Notes   *string `json:"notes,omitempty"`
}

// StopSirenRequest is the request body for POST /v1/sirens/{id}/stop.
// A reason is mandatory: silencing a forced alarm must be attributable.
type StopSirenRequest struct {
	Reason string `json:"reason"`
}

// ResolveAlertRequest is the request body for POST /v1/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	Feedback string  `json:"feedback"` // "accurate" or "false_positive"
	Notes    *string `json:"notes,omitempty"`
}

// CleanupRequest is the request body for POST /v1/monitoring/cleanup.
type CleanupRequest struct {
	RetentionDays int `json:"retention_days"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}
