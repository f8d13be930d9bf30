package model

import (
	"time"

	"github.com/google/uuid"
)

// SirenType is the device-side alarm class for a siren alert.
type SirenType string

const (
	SirenStandardAlert  SirenType = "standard_alert"
	SirenUrgentAlert    SirenType = "urgent_alert"
	SirenCriticalAlarm  SirenType = "critical_alarm"
	SirenEmergencySiren SirenType = "emergency_siren"
)

// IntensityForLevel maps an escalation level (1-5) to a siren intensity (0-100).
func IntensityForLevel(level int) int {
	switch {
	case level <= 0:
		return 0
	case level == 1:
		return 30
	case level == 2:
		return 55
	case level == 3:
		return 75
	case level == 4:
		return 90
	default:
		return 100
	}
}

// SirenTypeForLevel maps an escalation level to the siren type it fires.
func SirenTypeForLevel(level int) SirenType {
	switch {
	case level <= 1:
		return SirenStandardAlert
	case level == 2:
		return SirenUrgentAlert
	case level <= 4:
		return SirenCriticalAlarm
	default:
		return SirenEmergencySiren
	}
}

// PatternForSirenType returns the vibration/sound pattern for a siren type.
func PatternForSirenType(t SirenType) string {
	switch t {
	case SirenUrgentAlert:
		return "wave"
	case SirenCriticalAlarm:
		return "strobe"
	case SirenEmergencySiren:
		return "continuous"
	default:
		return "pulse"
	}
}

// SirenAlert is a forced alarm pushed to a target user for a call. At most
// one active siren exists per (call, target user, siren type); repeat
// escalations raise the intensity of the existing row instead of stacking.
type SirenAlert struct {
	ID             uuid.UUID  `json:"id"`
	CallID         uuid.UUID  `json:"call_id"`
	TargetUserID   string     `json:"target_user_id"`
	TargetRole     Role       `json:"target_role"`
	SirenType      SirenType  `json:"siren_type"`
	Intensity      int        `json:"intensity"`
	Pattern        string     `json:"pattern"`
	Active         bool       `json:"active"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	StopReason     *string    `json:"stop_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
