package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/protocol"
)

// JoinGroup adds userID to the media session of a group call and returns the
// participants already present. The joiner offers to each of them.
func (s *Service) JoinGroup(ctx context.Context, callID, userID uuid.UUID) (present []domain.CallParticipant, err error) {
	ctx, span := s.startSpan(ctx, "JoinGroup", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return s.joinLocked(ctx, e, userID)
}

func (s *Service) joinLocked(ctx context.Context, e *entry, userID uuid.UUID) ([]domain.CallParticipant, error) {
	names := s.namesLocked(ctx, e)

	var present []domain.CallParticipant
	err := s.updateLocked(ctx, e, func(c *domain.CallSession) error {
		if !c.IsGroup() {
			return apperrors.ValidationError("not a group call")
		}
		if !c.IsParticipant(userID) {
			return apperrors.UnauthorizedError("not invited to this call")
		}
		if c.Status.IsTerminal() {
			return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
		}

		present = nil
		for _, id := range c.ParticipantIDs() {
			p := c.Participants[id]
			if id == userID || !p.Joined {
				continue
			}
			present = append(present, domain.CallParticipant{
				UserID:       id,
				DisplayName:  names[id],
				AudioEnabled: !p.Muted,
				VideoEnabled: !p.VideoOff,
			})
		}

		p := c.Participants[userID]
		if p.Joined {
			return errUnchanged
		}
		now := s.now()
		if c.Status == domain.CallStatusPending {
			c.Status = domain.CallStatusAnswered
			c.StartedAt = &now
		}
		p.Joined = true
		p.Declined = false
		p.JoinedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return present, nil
	}
	if err != nil {
		return nil, err
	}
	c := e.session

	s.appendEvent(ctx, c, domain.CallEventJoined, userID)

	payload := domain.GroupMemberPayload{CallID: c.CallID, UserID: userID, DisplayName: names[userID]}
	for _, other := range present {
		s.notifier.BroadcastToUser(ctx, other.UserID, protocol.EventUserJoinedGroupCall, payload)
	}

	s.log.Info("User joined group call",
		zap.String("call_id", c.CallID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("present", len(present)))

	return present, nil
}

// LeaveGroup removes userID from the media session. The last participant to
// leave ends the call.
func (s *Service) LeaveGroup(ctx context.Context, callID, userID uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, "LeaveGroup", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		remaining []uuid.UUID
		missed    []uuid.UUID
	)
	err = s.updateLocked(ctx, e, func(c *domain.CallSession) error {
		if !c.IsGroup() {
			return apperrors.ValidationError("not a group call")
		}
		if !c.IsParticipant(userID) {
			return apperrors.UnauthorizedError("not a participant of this call")
		}
		if c.Status.IsTerminal() {
			return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
		}

		p := c.Participants[userID]
		if !p.Joined {
			return errUnchanged
		}
		p.Joined = false

		remaining = c.JoinedIDs()
		if len(remaining) == 0 {
			duration := 0
			if c.StartedAt != nil {
				duration = int(s.now().Sub(*c.StartedAt).Seconds())
			}
			missed = s.finish(c, duration)
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	c := e.session

	s.appendEvent(ctx, c, domain.CallEventLeft, userID)
	if c.Status.IsTerminal() {
		s.announceEndLocked(ctx, e, userID, missed)
		return nil
	}

	payload := domain.GroupMemberPayload{CallID: c.CallID, UserID: userID, DisplayName: s.namesLocked(ctx, e)[userID]}
	for _, id := range remaining {
		s.notifier.BroadcastToUser(ctx, id, protocol.EventUserLeftGroupCall, payload)
	}

	s.log.Info("User left group call",
		zap.String("call_id", c.CallID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("remaining", len(remaining)))
	return nil
}
