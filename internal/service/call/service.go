// Package call brokers call setup between participants and keeps the
// authoritative CallSession records.
package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/background"
	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/protocol"
	"chatcore-backend/pkg/push"
)

// TracerName is the instrumentation scope of call spans
const TracerName = "chatcore/call"

// UserDirectory is the read-only identity lookup
type UserDirectory interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.User, error)
}

// MembershipDirectory lists the members of a conversation
type MembershipDirectory interface {
	GetMembers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// Notifier delivers events to users. Satisfied by *fanout.Dispatcher.
type Notifier interface {
	BroadcastToUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any) int
	NotifyUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any, notification *push.Notification) int
}

// HistoryStore persists call records and arbitrates status changes between
// nodes. UpdateCall must fail with an InvalidState error unless the stored
// status equals from.
type HistoryStore interface {
	CreateCall(ctx context.Context, call *domain.CallSession) error
	UpdateCall(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, muted, videoOff bool) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// EventLog appends call lifecycle events
type EventLog interface {
	Append(ctx context.Context, event *domain.CallEvent) error
}

// Recorder receives call metrics
type Recorder interface {
	CallInitiated(callType domain.CallType)
	CallFinished(callType domain.CallType, status domain.CallStatus, durationSeconds int)
}

// Service coordinates call signaling
type Service struct {
	users    UserDirectory
	members  MembershipDirectory
	notifier Notifier
	history  HistoryStore
	events   EventLog
	recorder Recorder
	tasks    *background.Runner
	tracer   trace.Tracer
	log      *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	calls map[uuid.UUID]*entry
}

// Option configures a Service
type Option func(*Service)

func WithHistory(history HistoryStore) Option {
	return func(s *Service) { s.history = history }
}

func WithEventLog(events EventLog) Option {
	return func(s *Service) { s.events = events }
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

func WithTasks(tasks *background.Runner) Option {
	return func(s *Service) {
		if tasks != nil {
			s.tasks = tasks
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new call service
func NewService(users UserDirectory, members MembershipDirectory, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		users:    users,
		members:  members,
		notifier: notifier,
		tasks:    background.New(),
		tracer:   otel.Tracer(TracerName),
		log:      zap.NewNop(),
		now:      time.Now,
		calls:    make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	InitiatorID    uuid.UUID
	Target         domain.CallTarget
	ConversationID uuid.UUID
	CallType       domain.CallType
}

// Initiate creates a Pending call and rings every invitee.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (out *domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "Initiate", uuid.Nil)
	defer func() { endSpan(span, err) }()

	if input.InitiatorID == uuid.Nil || input.ConversationID == uuid.Nil || input.Target == nil {
		return nil, apperrors.ValidationError("initiator, conversation and target are required")
	}
	if !input.CallType.Valid() {
		return nil, apperrors.ValidationError("call_type must be audio or video")
	}

	// Validate membership
	members, err := s.members.GetMembers(ctx, input.ConversationID)
	if err != nil {
		return nil, lookupError(err, apperrors.ConversationNotFoundError())
	}
	if len(members) == 0 {
		return nil, apperrors.ConversationNotFoundError()
	}
	memberSet := make(map[uuid.UUID]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}
	if !memberSet[input.InitiatorID] {
		return nil, apperrors.UnauthorizedError("not a member of this conversation")
	}

	invitees, target, err := resolveInvitees(input.InitiatorID, input.Target, members, memberSet)
	if err != nil {
		return nil, err
	}

	// Every participant must exist; the caller is denormalized into the ring event
	ids := append([]uuid.UUID{input.InitiatorID}, invitees...)
	users, err := s.users.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, lookupError(err, apperrors.UserNotFoundError())
	}
	byID := make(map[uuid.UUID]*domain.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}
	names := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, apperrors.UserNotFoundError()
		}
		names[id] = u.Name()
	}
	caller := byID[input.InitiatorID]

	now := s.now()
	session := &domain.CallSession{
		CallID:         uuid.New(),
		InitiatorID:    input.InitiatorID,
		Target:         target,
		ConversationID: input.ConversationID,
		CallType:       input.CallType,
		Status:         domain.CallStatusPending,
		CreatedAt:      now,
		Participants:   make(map[uuid.UUID]*domain.ParticipantMedia, len(ids)),
	}
	joinedAt := now
	session.Participants[input.InitiatorID] = &domain.ParticipantMedia{
		UserID:   input.InitiatorID,
		VideoOff: input.CallType == domain.CallTypeAudio,
		Joined:   true,
		JoinedAt: &joinedAt,
	}
	for _, id := range invitees {
		session.Participants[id] = &domain.ParticipantMedia{
			UserID:   id,
			VideoOff: input.CallType == domain.CallTypeAudio,
		}
	}
	span.SetAttributes(callAttributes(session)...)

	e := &entry{session: session, names: names}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	s.calls[session.CallID] = e
	s.mu.Unlock()

	s.persist(ctx, e)
	s.appendEvent(ctx, session, domain.CallEventInitiated, input.InitiatorID)

	kind := protocol.EventIncomingCall
	payload := domain.IncomingCallPayload{
		CallID:         session.CallID,
		ConversationID: session.ConversationID,
		CallerID:       caller.UserID,
		CallerName:     caller.Name(),
		CallerAvatar:   caller.Avatar(),
		CallType:       session.CallType,
		IsGroup:        session.IsGroup(),
	}
	if session.IsGroup() {
		kind = protocol.EventIncomingGroupCall
		payload.ParticipantIDs = session.ParticipantIDs()
	}
	notification := push.IncomingCall(s.notificationData(ctx, e))
	for _, id := range invitees {
		s.notifier.NotifyUser(ctx, id, kind, payload, notification)
	}

	if s.recorder != nil {
		s.recorder.CallInitiated(session.CallType)
	}
	s.log.Info("Call initiated",
		zap.String("call_id", session.CallID.String()),
		zap.String("conversation_id", session.ConversationID.String()),
		zap.String("call_type", string(session.CallType)),
		zap.Bool("group", session.IsGroup()),
		zap.Int("invitees", len(invitees)))

	return session.Clone(), nil
}

// Answer accepts a Pending call. Group calls are answered by joining.
func (s *Service) Answer(ctx context.Context, callID, receiverID uuid.UUID) (out *domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "Answer", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.IsGroup() {
		if _, err := s.joinLocked(ctx, e, receiverID); err != nil {
			return nil, err
		}
		return e.session.Clone(), nil
	}

	var now time.Time
	err = s.updateLocked(ctx, e, func(c *domain.CallSession) error {
		if receiverID != domain.ReceiverID(c.Target) {
			return apperrors.UnauthorizedError("only the receiver can answer this call")
		}
		if c.Status != domain.CallStatusPending {
			return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
		}
		now = s.now()
		c.Status = domain.CallStatusAnswered
		c.StartedAt = &now
		p := c.Participants[receiverID]
		p.Joined = true
		p.JoinedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := e.session

	s.appendEvent(ctx, c, domain.CallEventAnswered, receiverID)

	payload := domain.CallAcceptedPayload{CallID: c.CallID, ReceiverID: receiverID, AcceptedAt: now}
	s.notifier.BroadcastToUser(ctx, c.InitiatorID, protocol.EventCallAccepted, payload)
	// Silences the receiver's other devices
	s.notifier.BroadcastToUser(ctx, receiverID, protocol.EventCallAccepted, payload)

	s.log.Info("Call answered",
		zap.String("call_id", c.CallID.String()),
		zap.String("receiver_id", receiverID.String()))

	return c.Clone(), nil
}

// Reject declines a Pending call. A group call becomes Rejected only once
// every invitee has declined.
func (s *Service) Reject(ctx context.Context, callID, receiverID uuid.UUID) (out *domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "Reject", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	err = s.updateLocked(ctx, e, func(c *domain.CallSession) error {
		if !c.IsInvitee(receiverID) {
			return apperrors.UnauthorizedError("only an invitee can reject this call")
		}
		if c.Status != domain.CallStatusPending {
			return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
		}
		now := s.now()
		c.Participants[receiverID].Declined = true
		if !c.IsGroup() || allDeclined(c) {
			c.Status = domain.CallStatusRejected
			c.EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := e.session

	s.appendEvent(ctx, c, domain.CallEventRejected, receiverID)

	s.notifier.BroadcastToUser(ctx, c.InitiatorID, protocol.EventCallRejected, domain.CallRejectedPayload{
		CallID:     c.CallID,
		ReceiverID: receiverID,
		Status:     c.Status,
	})

	if c.Status == domain.CallStatusRejected && s.recorder != nil {
		s.recorder.CallFinished(c.CallType, c.Status, 0)
	}
	s.log.Info("Call rejected",
		zap.String("call_id", c.CallID.String()),
		zap.String("receiver_id", receiverID.String()),
		zap.String("status", string(c.Status)))

	return c.Clone(), nil
}

// End terminates a call: Answered becomes Completed, Pending becomes Missed.
// actorID may be uuid.Nil for system-initiated ends.
func (s *Service) End(ctx context.Context, callID, actorID uuid.UUID, durationSeconds int) (out *domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "End", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var missed []uuid.UUID
	err = s.updateLocked(ctx, e, func(c *domain.CallSession) error {
		if actorID != uuid.Nil && !c.IsParticipant(actorID) {
			return apperrors.UnauthorizedError("not a participant of this call")
		}
		if c.Status.IsTerminal() {
			return apperrors.InvalidStateError(fmt.Sprintf("call is already %s", c.Status))
		}
		missed = s.finish(c, durationSeconds)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.announceEndLocked(ctx, e, actorID, missed)
	return e.session.Clone(), nil
}

// finish moves c to its terminal status and returns the invitees that
// missed it.
func (s *Service) finish(c *domain.CallSession, durationSeconds int) []uuid.UUID {
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	now := s.now()
	status := domain.CallStatusCompleted
	if c.Status == domain.CallStatusPending {
		status = domain.CallStatusMissed
	}
	c.Status = status
	c.EndedAt = &now
	c.DurationSeconds = durationSeconds

	var missed []uuid.UUID
	for id, p := range c.Participants {
		if status == domain.CallStatusMissed && id != c.InitiatorID && !p.Declined {
			missed = append(missed, id)
		}
		p.Joined = false
	}
	return missed
}

// announceEndLocked notifies every participant of a finished call. Invitees
// that never picked up get a missed-call push.
func (s *Service) announceEndLocked(ctx context.Context, e *entry, actorID uuid.UUID, missed []uuid.UUID) {
	c := e.session
	s.appendEvent(ctx, c, domain.CallEventEnded, actorID)

	payload := domain.CallEndedPayload{
		CallID:          c.CallID,
		Status:          c.Status,
		DurationSeconds: c.DurationSeconds,
		EndedBy:         actorID,
	}
	var notification *push.Notification
	if len(missed) > 0 {
		notification = push.MissedCall(s.notificationData(ctx, e))
	}
	for _, id := range c.ParticipantIDs() {
		if notification != nil && slices.Contains(missed, id) {
			s.notifier.NotifyUser(ctx, id, protocol.EventCallEnded, payload, notification)
			continue
		}
		s.notifier.BroadcastToUser(ctx, id, protocol.EventCallEnded, payload)
	}

	if s.recorder != nil {
		s.recorder.CallFinished(c.CallType, c.Status, c.DurationSeconds)
	}
	s.log.Info("Call ended",
		zap.String("call_id", c.CallID.String()),
		zap.String("status", string(c.Status)),
		zap.Int("duration_seconds", c.DurationSeconds))
}

// Get returns a snapshot of the call. userID, when set, must be a participant.
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (out *domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "Get", callID)
	defer func() { endSpan(span, err) }()

	e, err := s.entryFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if userID != uuid.Nil && !e.session.IsParticipant(userID) {
		return nil, apperrors.UnauthorizedError("not a participant of this call")
	}
	return e.session.Clone(), nil
}

// History returns the user's calls, most recent first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) (out []*domain.CallSession, err error) {
	ctx, span := s.startSpan(ctx, "History", uuid.Nil)
	defer func() { endSpan(span, err) }()

	if s.history == nil {
		return []*domain.CallSession{}, nil
	}
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	calls, err := s.history.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

func resolveInvitees(initiatorID uuid.UUID, target domain.CallTarget, members []uuid.UUID, memberSet map[uuid.UUID]bool) ([]uuid.UUID, domain.CallTarget, error) {
	switch t := target.(type) {
	case domain.OneToOne:
		if t.UserID == uuid.Nil || t.UserID == initiatorID {
			return nil, nil, apperrors.ValidationError("receiver must be another user")
		}
		if !memberSet[t.UserID] {
			return nil, nil, apperrors.UnauthorizedError("receiver is not a member of this conversation")
		}
		return []uuid.UUID{t.UserID}, t, nil

	case domain.Group:
		candidates := t.MemberIDs
		if len(candidates) == 0 {
			candidates = members
		}
		seen := make(map[uuid.UUID]bool, len(candidates))
		var invitees []uuid.UUID
		for _, id := range candidates {
			if id == initiatorID || seen[id] {
				continue
			}
			if !memberSet[id] {
				return nil, nil, apperrors.UnauthorizedError("invitee is not a member of this conversation")
			}
			seen[id] = true
			invitees = append(invitees, id)
		}
		if len(invitees) == 0 {
			return nil, nil, apperrors.ValidationError("group call needs at least one other member")
		}
		return invitees, domain.Group{MemberIDs: invitees}, nil
	}
	return nil, nil, apperrors.ValidationError("unsupported call target")
}

func allDeclined(c *domain.CallSession) bool {
	for id, p := range c.Participants {
		if id != c.InitiatorID && !p.Declined {
			return false
		}
	}
	return true
}

// lookupError maps a directory failure to NotFound or Transient.
func lookupError(err error, notFound *apperrors.AppError) error {
	if apperrors.IsNotFound(err) {
		return notFound
	}
	return apperrors.TransientError("directory lookup failed", err)
}
