package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the RBAC role assigned to a user.
type Role string

const (
	RoleClient  Role = "client"
	RoleReader  Role = "reader"
	RoleMonitor Role = "monitor"
	RoleAdmin   Role = "admin"
)

// User represents a platform user with role assignment.
type User struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Language     string    `json:"language"`
	APIKeyHash   *string   `json:"-"`
	Available    bool      `json:"available"`
	DoNotDisturb bool      `json:"do_not_disturb"`
	Banned       bool      `json:"banned"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleMonitor:
		return 3
	case RoleReader:
		return 2
	case RoleClient:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateUserID checks that a user ID conforms to the allowed format.
// User IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("user_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("user_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("user_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
