package call

import (
	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
)

// InitiateRequest is the client-facing form of InitiateInput, shared by the
// websocket and HTTP surfaces. Exactly one of TargetUserID or Group is set;
// a group with no MemberIDs rings every other conversation member.
type InitiateRequest struct {
	ConversationID uuid.UUID       `json:"conversation_id" binding:"required"`
	CallType       domain.CallType `json:"call_type" binding:"required"`
	TargetUserID   uuid.UUID       `json:"target_user_id,omitempty"`
	Group          bool            `json:"group,omitempty"`
	MemberIDs      []uuid.UUID     `json:"member_ids,omitempty"`
}

// Input resolves the request for initiatorID.
func (r *InitiateRequest) Input(initiatorID uuid.UUID) (*InitiateInput, error) {
	var target domain.CallTarget
	switch {
	case r.Group && r.TargetUserID != uuid.Nil:
		return nil, apperrors.ValidationError("target_user_id and group are mutually exclusive")
	case r.Group:
		target = domain.Group{MemberIDs: r.MemberIDs}
	case r.TargetUserID != uuid.Nil:
		target = domain.OneToOne{UserID: r.TargetUserID}
	default:
		return nil, apperrors.MissingFieldError("target_user_id")
	}
	return &InitiateInput{
		InitiatorID:    initiatorID,
		Target:         target,
		ConversationID: r.ConversationID,
		CallType:       r.CallType,
	}, nil
}
