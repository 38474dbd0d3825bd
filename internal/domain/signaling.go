package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SignalType is the kind of WebRTC negotiation payload being relayed
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice_candidate"
)

// Valid reports whether t is a relayable signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	}
	return false
}

// SignalingEnvelope carries an opaque SDP or ICE payload between two call
// participants. It is never stored.
type SignalingEnvelope struct {
	Type       SignalType      `json:"type"`
	CallID     uuid.UUID       `json:"call_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	ToUserID   uuid.UUID       `json:"to_user_id"`
	Payload    json.RawMessage `json:"payload"`
}
