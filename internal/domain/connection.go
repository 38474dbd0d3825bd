package domain

import (
	"time"

	"github.com/google/uuid"
)

// Connection is one live client connection. A user may hold many.
type Connection struct {
	ID             string    `json:"connection_id"`
	UserID         uuid.UUID `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"` // uuid.Nil when not viewing a conversation
	ConnectedAt    time.Time `json:"connected_at"`
}

// PresenceState is derived from the number of live connections of a user
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceChange is emitted when a user's connection count crosses zero.
type PresenceChange struct {
	UserID uuid.UUID     `json:"user_id"`
	State  PresenceState `json:"state"`
	At     time.Time     `json:"at"`
}
