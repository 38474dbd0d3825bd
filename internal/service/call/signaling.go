package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/protocol"
)

var signalEvents = map[domain.SignalType]protocol.EventKind{
	domain.SignalTypeOffer:        protocol.EventReceiveCallOffer,
	domain.SignalTypeAnswer:       protocol.EventReceiveCallAnswer,
	domain.SignalTypeICECandidate: protocol.EventReceiveIceCandidate,
}

// RelaySignal forwards an offer, answer or ICE candidate to the target's live
// connections. The payload is never inspected and nothing is persisted. A
// target without connections is not an error.
func (s *Service) RelaySignal(ctx context.Context, env *domain.SignalingEnvelope) (err error) {
	ctx, span := s.startSpan(ctx, "RelaySignal", env.CallID)
	defer func() { endSpan(span, err) }()

	kind, ok := signalEvents[env.Type]
	if !ok {
		return apperrors.ValidationError(fmt.Sprintf("unknown signal type %q", env.Type))
	}
	if env.FromUserID == uuid.Nil || env.ToUserID == uuid.Nil || env.FromUserID == env.ToUserID {
		return apperrors.ValidationError("signal needs distinct sender and target")
	}
	span.SetAttributes(attribute.String("signal.type", string(env.Type)))

	delivered := s.notifier.BroadcastToUser(ctx, env.ToUserID, kind, domain.SignalPayload{
		CallID:     env.CallID,
		FromUserID: env.FromUserID,
		Payload:    env.Payload,
	})
	if delivered == 0 {
		s.log.Debug("Dropped signal for user without live connections",
			zap.String("call_id", env.CallID.String()),
			zap.String("type", string(env.Type)),
			zap.String("to_user_id", env.ToUserID.String()))
	}
	return nil
}

// UpdateMediaState records a participant's mute and camera flags and tells the
// other participants.
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, muted, videoOff bool) (err error) {
	ctx, span := s.startSpan(ctx, "UpdateMediaState", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.session

	if !c.IsParticipant(userID) {
		return apperrors.UnauthorizedError("not a participant of this call")
	}
	if c.Status.IsTerminal() {
		return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
	}

	p := c.Participants[userID]
	p.Muted = muted
	p.VideoOff = videoOff

	s.persistMedia(ctx, e, userID, muted, videoOff)
	s.appendEvent(ctx, c, domain.CallEventMediaChanged, userID)

	payload := domain.MediaStatePayload{CallID: c.CallID, UserID: userID, Muted: muted, VideoOff: videoOff}
	for _, id := range c.ParticipantIDs() {
		if id != userID {
			s.notifier.BroadcastToUser(ctx, id, protocol.EventCallMediaStateChanged, payload)
		}
	}
	return nil
}
