package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/service/call"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/protocol"
)

// CallService is the call coordinator as seen by the gateway
type CallService interface {
	Initiate(ctx context.Context, input *call.InitiateInput) (*domain.CallSession, error)
	Answer(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error)
	Reject(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error)
	End(ctx context.Context, callID, actorID uuid.UUID, durationSeconds int) (*domain.CallSession, error)
	RelaySignal(ctx context.Context, env *domain.SignalingEnvelope) error
	UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, muted, videoOff bool) error
	JoinGroup(ctx context.Context, callID, userID uuid.UUID) ([]domain.CallParticipant, error)
	LeaveGroup(ctx context.Context, callID, userID uuid.UUID) error
}

// MembershipChecker guards JoinConversation
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// WithMembership makes JoinConversation require conversation membership.
func WithMembership(members MembershipChecker) Option {
	return func(h *Hub) { h.members = members }
}

// RegisterCallMethods exposes the call coordinator over the gateway.
//
//	InitiateCall(request)                       -> CallView
//	AnswerCall(callId) / RejectCall(callId)     -> CallView
//	EndCall(callId, durationSeconds)            -> CallView
//	SendCallOffer|SendCallAnswer|SendIceCandidate(callId, toUserId, payload)
//	UpdateMediaState(callId, muted, videoOff)
//	JoinGroupCall(callId)                       -> []CallParticipant already present
//	LeaveGroupCall(callId)
func RegisterCallMethods(h *Hub, svc CallService) {
	h.Handle(protocol.MethodInitiateCall, func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var req call.InitiateRequest
		if err := arg(args, 0, &req); err != nil {
			return nil, err
		}
		input, err := req.Input(caller.UserID)
		if err != nil {
			return nil, err
		}
		session, err := svc.Initiate(ctx, input)
		if err != nil {
			return nil, err
		}
		return session.View(), nil
	})

	h.Handle(protocol.MethodAnswerCall, sessionMethod(svc.Answer))
	h.Handle(protocol.MethodRejectCall, sessionMethod(svc.Reject))

	h.Handle(protocol.MethodEndCall, func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var (
			callID   uuid.UUID
			duration int
		)
		if err := arg(args, 0, &callID); err != nil {
			return nil, err
		}
		if err := optionalArg(args, 1, &duration); err != nil {
			return nil, err
		}
		session, err := svc.End(ctx, callID, caller.UserID, duration)
		if err != nil {
			return nil, err
		}
		return session.View(), nil
	})

	h.Handle(protocol.MethodSendCallOffer, signalMethod(svc, domain.SignalTypeOffer))
	h.Handle(protocol.MethodSendCallAnswer, signalMethod(svc, domain.SignalTypeAnswer))
	h.Handle(protocol.MethodSendIceCandidate, signalMethod(svc, domain.SignalTypeICECandidate))

	h.Handle(protocol.MethodUpdateMediaState, func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var (
			callID          uuid.UUID
			muted, videoOff bool
		)
		if err := arg(args, 0, &callID); err != nil {
			return nil, err
		}
		if err := arg(args, 1, &muted); err != nil {
			return nil, err
		}
		if err := arg(args, 2, &videoOff); err != nil {
			return nil, err
		}
		return nil, svc.UpdateMediaState(ctx, callID, caller.UserID, muted, videoOff)
	})

	h.Handle(protocol.MethodJoinGroupCall, func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var callID uuid.UUID
		if err := arg(args, 0, &callID); err != nil {
			return nil, err
		}
		present, err := svc.JoinGroup(ctx, callID, caller.UserID)
		if err != nil {
			return nil, err
		}
		if present == nil {
			present = []domain.CallParticipant{}
		}
		return present, nil
	})

	h.Handle(protocol.MethodLeaveGroupCall, func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var callID uuid.UUID
		if err := arg(args, 0, &callID); err != nil {
			return nil, err
		}
		return nil, svc.LeaveGroup(ctx, callID, caller.UserID)
	})
}

func sessionMethod(fn func(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error)) Method {
	return func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		var callID uuid.UUID
		if err := arg(args, 0, &callID); err != nil {
			return nil, err
		}
		session, err := fn(ctx, callID, caller.UserID)
		if err != nil {
			return nil, err
		}
		return session.View(), nil
	}
}

func signalMethod(svc CallService, signalType domain.SignalType) Method {
	return func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
		env := &domain.SignalingEnvelope{Type: signalType, FromUserID: caller.UserID}
		if err := arg(args, 0, &env.CallID); err != nil {
			return nil, err
		}
		if err := arg(args, 1, &env.ToUserID); err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, apperrors.MissingFieldError("payload")
		}
		env.Payload = args[2]
		return nil, svc.RelaySignal(ctx, env)
	}
}

func (h *Hub) joinConversation(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
	var conversationID uuid.UUID
	if err := arg(args, 0, &conversationID); err != nil {
		return nil, err
	}
	if conversationID == uuid.Nil {
		return nil, apperrors.MissingFieldError("conversation_id")
	}
	if h.members != nil {
		ok, err := h.members.IsMember(ctx, conversationID, caller.UserID)
		if err != nil {
			return nil, apperrors.TransientError("membership lookup failed", err)
		}
		if !ok {
			return nil, apperrors.UnauthorizedError("not a member of this conversation")
		}
	}
	if !h.registry.SetConversation(caller.ConnectionID, conversationID) {
		return nil, apperrors.NotFoundError("Connection")
	}
	return nil, nil
}

func (h *Hub) leaveConversation(ctx context.Context, caller Caller, args []json.RawMessage) (any, error) {
	h.registry.SetConversation(caller.ConnectionID, uuid.Nil)
	return nil, nil
}

func arg(args []json.RawMessage, i int, dst any) error {
	if i >= len(args) {
		return apperrors.ValidationError(fmt.Sprintf("missing argument %d", i))
	}
	if err := json.Unmarshal(args[i], dst); err != nil {
		return apperrors.ValidationError(fmt.Sprintf("invalid argument %d: %v", i, err))
	}
	return nil
}

func optionalArg(args []json.RawMessage, i int, dst any) error {
	if i >= len(args) {
		return nil
	}
	return arg(args, i, dst)
}
