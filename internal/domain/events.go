package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payloads pushed to clients are denormalized so that receivers never need
// a follow-up fetch to render them.

type IncomingCallPayload struct {
	CallID         uuid.UUID   `json:"call_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	CallerID       uuid.UUID   `json:"caller_id"`
	CallerName     string      `json:"caller_name"`
	CallerAvatar   string      `json:"caller_avatar,omitempty"`
	CallType       CallType    `json:"call_type"`
	IsGroup        bool        `json:"is_group"`
	ParticipantIDs []uuid.UUID `json:"participant_ids,omitempty"`
}

type CallAcceptedPayload struct {
	CallID     uuid.UUID `json:"call_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type CallRejectedPayload struct {
	CallID     uuid.UUID  `json:"call_id"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	Status     CallStatus `json:"status"`
}

type CallEndedPayload struct {
	CallID          uuid.UUID  `json:"call_id"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	EndedBy         uuid.UUID  `json:"ended_by,omitempty"`
}

// SignalPayload is delivered as ReceiveCallOffer, ReceiveCallAnswer or ReceiveIceCandidate.
type SignalPayload struct {
	CallID     uuid.UUID       `json:"call_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

type MediaStatePayload struct {
	CallID   uuid.UUID `json:"call_id"`
	UserID   uuid.UUID `json:"user_id"`
	Muted    bool      `json:"muted"`
	VideoOff bool      `json:"video_off"`
}

// GroupMemberPayload is delivered as UserJoinedGroupCall or UserLeftGroupCall.
type GroupMemberPayload struct {
	CallID      uuid.UUID `json:"call_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

type PresencePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	At       time.Time `json:"at"`
}
