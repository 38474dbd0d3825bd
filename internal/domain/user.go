package domain

import (
	"github.com/google/uuid"
)

// User is the read-only directory view of an account.
// Maps to CockroachDB users table
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Avatar returns the avatar URL or "".
func (u *User) Avatar() string {
	if u.AvatarURL == nil {
		return ""
	}
	return *u.AvatarURL
}
