package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/push"
)

// entry owns one CallSession. mu guards the session and every decision
// taken on it; writeMu orders the background history writes for the call.
// Lock order is writeMu then mu.
type entry struct {
	mu      sync.Mutex
	session *domain.CallSession
	names   map[uuid.UUID]string

	writeMu sync.Mutex
	created bool
}

func (e *entry) snapshot() *domain.CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// entryFor returns the live entry for callID, loading it from history after
// a restart or eviction.
func (s *Service) entryFor(ctx context.Context, callID uuid.UUID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.calls[callID]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	if s.history == nil {
		return nil, apperrors.CallNotFoundError()
	}

	stored, err := s.history.GetCall(ctx, callID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.TransientError("failed to load call", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.calls[callID]; ok {
		return e, nil
	}
	e = &entry{session: stored, created: true}
	s.calls[callID] = e
	return e, nil
}

// Sweep evicts calls that ended before cutoff. They remain readable through
// the history store.
func (s *Service) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.calls {
		e.mu.Lock()
		done := e.session.Status.IsTerminal() && e.session.EndedAt != nil && e.session.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if done && s.history != nil {
			delete(s.calls, id)
			evicted++
		}
	}
	return evicted
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (s *Service) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now().Add(-retention)); n > 0 {
				s.log.Debug("Evicted finished calls", zap.Int("count", n))
			}
		}
	}
}

// ActiveCalls returns the number of calls that have not ended.
func (s *Service) ActiveCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.calls {
		e.mu.Lock()
		if !e.session.Status.IsTerminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// errUnchanged is returned by an update that has nothing to commit.
var errUnchanged = errors.New("call unchanged")

const maxCommitAttempts = 3

// updateLocked applies change to a copy of the session and commits it. With
// a history store the commit is a compare-and-set on the stored status: when
// another node moved the call first, the session is reloaded and change runs
// again against the fresh copy.
func (s *Service) updateLocked(ctx context.Context, e *entry, change func(c *domain.CallSession) error) error {
	for attempt := 1; ; attempt++ {
		next := e.session.Clone()
		if err := change(next); err != nil {
			return err
		}
		if s.history == nil {
			e.session = next
			return nil
		}

		err := s.history.UpdateCall(ctx, next, e.session.Status)
		if err == nil {
			e.session = next
			return nil
		}
		if !apperrors.IsInvalidState(err) {
			return apperrors.TransientError("failed to record call", err)
		}

		s.log.Debug("Call changed on another node",
			zap.String("call_id", next.CallID.String()),
			zap.String("expected", string(e.session.Status)),
			zap.Int("attempt", attempt))
		if err := s.reloadLocked(ctx, e); err != nil {
			return err
		}
		if attempt == maxCommitAttempts {
			return apperrors.InvalidStateError("call changed concurrently")
		}
	}
}

func (s *Service) reloadLocked(ctx context.Context, e *entry) error {
	stored, err := s.history.GetCall(ctx, e.session.CallID)
	if err != nil {
		return apperrors.TransientError("failed to reload call", err)
	}
	e.session = stored
	return nil
}

// persist schedules the history record of a new call.
func (s *Service) persist(ctx context.Context, e *entry) {
	if s.history == nil {
		return
	}
	s.tasks.Go(ctx, "call.history", func(ctx context.Context) error {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		return s.createLocked(ctx, e)
	})
}

func (s *Service) persistMedia(ctx context.Context, e *entry, userID uuid.UUID, muted, videoOff bool) {
	if s.history == nil {
		return
	}
	callID := e.session.CallID
	s.tasks.Go(ctx, "call.history.media", func(ctx context.Context) error {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if err := s.createLocked(ctx, e); err != nil {
			return err
		}
		return s.history.UpdateParticipantMedia(ctx, callID, userID, muted, videoOff)
	})
}

// createLocked writes the call once. Requires writeMu, never mu.
func (s *Service) createLocked(ctx context.Context, e *entry) error {
	if e.created {
		return nil
	}
	if err := s.history.CreateCall(ctx, e.snapshot()); err != nil {
		return err
	}
	e.created = true
	return nil
}

func (s *Service) appendEvent(ctx context.Context, c *domain.CallSession, kind domain.CallEventKind, actorID uuid.UUID) {
	if s.events == nil {
		return
	}
	event := &domain.CallEvent{
		CallID:  c.CallID,
		Kind:    kind,
		ActorID: actorID,
		Status:  c.Status,
		At:      s.now(),
	}
	s.tasks.Go(ctx, "call.event", func(ctx context.Context) error {
		return s.events.Append(ctx, event)
	})
}

// namesLocked fills display names for entries loaded from history.
func (s *Service) namesLocked(ctx context.Context, e *entry) map[uuid.UUID]string {
	if e.names != nil {
		return e.names
	}
	names := make(map[uuid.UUID]string)
	users, err := s.users.GetUsersByIDs(ctx, e.session.ParticipantIDs())
	if err != nil {
		s.log.Warn("Failed to resolve participant names",
			zap.String("call_id", e.session.CallID.String()),
			zap.Error(err))
		return names
	}
	for _, u := range users {
		names[u.UserID] = u.Name()
	}
	e.names = names
	return names
}

func (s *Service) notificationData(ctx context.Context, e *entry) *push.CallNotificationData {
	c := e.session
	names := s.namesLocked(ctx, e)
	return &push.CallNotificationData{
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		CallerID:       c.InitiatorID,
		CallerName:     names[c.InitiatorID],
		CallType:       string(c.CallType),
		IsGroup:        c.IsGroup(),
	}
}

func (s *Service) startSpan(ctx context.Context, op string, callID uuid.UUID) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "call."+op)
	if callID != uuid.Nil {
		span.SetAttributes(attribute.String("call.id", callID.String()))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func callAttributes(c *domain.CallSession) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("call.id", c.CallID.String()),
		attribute.String("call.type", string(c.CallType)),
		attribute.Bool("call.group", c.IsGroup()),
		attribute.Int("call.participants", len(c.Participants)),
	}
}
