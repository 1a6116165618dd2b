// Package domain contains core domain types for the insight chat service.
package domain

import (
	"time"
)

// User represents an anonymous per-device user.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsIdle returns true if the user has not been seen within ttl.
func (u *User) IsIdle(ttl time.Duration) bool {
	return time.Since(u.LastSeenAt) > ttl
}
