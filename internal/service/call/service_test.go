package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/background"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/protocol"
	"chatcore-backend/pkg/push"
)

// MockMembershipDirectory is a mock implementation of MembershipDirectory
type MockMembershipDirectory struct {
	mock.Mock
}

func (m *MockMembershipDirectory) GetMembers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type fakeUsers struct {
	users map[uuid.UUID]*domain.User
}

func (f *fakeUsers) add(name string) uuid.UUID {
	id := uuid.New()
	f.users[id] = &domain.User{UserID: id, Username: name, DisplayName: name}
	return id
}

func (f *fakeUsers) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, apperrors.UserNotFoundError()
	}
	return u, nil
}

func (f *fakeUsers) GetUsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.User, error) {
	var out []*domain.User
	for _, id := range userIDs {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type notice struct {
	userID       uuid.UUID
	kind         protocol.EventKind
	payload      any
	notification *push.Notification
}

type fakeNotifier struct {
	mu      sync.Mutex
	online  map[uuid.UUID]bool
	notices []notice
}

func (f *fakeNotifier) BroadcastToUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any) int {
	return f.NotifyUser(ctx, userID, kind, payload, nil)
}

func (f *fakeNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any, notification *push.Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice{userID: userID, kind: kind, payload: payload, notification: notification})
	if f.online[userID] {
		return 1
	}
	return 0
}

func (f *fakeNotifier) received(userID uuid.UUID, kind protocol.EventKind) []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notice
	for _, n := range f.notices {
		if n.userID == userID && n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]*domain.CallSession
	creates int
	media   int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{calls: map[uuid.UUID]*domain.CallSession{}}
}

func (f *fakeHistory) CreateCall(ctx context.Context, call *domain.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, ok := f.calls[call.CallID]; !ok {
		f.calls[call.CallID] = call.Clone()
	}
	return nil
}

func (f *fakeHistory) UpdateCall(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.calls[call.CallID]; ok && stored.Status != from {
		return apperrors.InvalidStateError("call is no longer " + string(from))
	}
	f.calls[call.CallID] = call.Clone()
	return nil
}

func (f *fakeHistory) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, muted, videoOff bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media++
	return nil
}

func (f *fakeHistory) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return c.Clone(), nil
}

func (f *fakeHistory) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CallSession
	for _, c := range f.calls {
		if c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

type fixture struct {
	svc      *Service
	users    *fakeUsers
	members  *MockMembershipDirectory
	notifier *fakeNotifier
	history  *fakeHistory
	tasks    *background.Runner
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:    &fakeUsers{users: map[uuid.UUID]*domain.User{}},
		members:  new(MockMembershipDirectory),
		notifier: &fakeNotifier{online: map[uuid.UUID]bool{}},
		history:  newFakeHistory(),
		tasks:    background.New(),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.users, f.members, f.notifier,
		WithHistory(f.history),
		WithTasks(f.tasks),
		WithClock(func() time.Time { return f.clock }))
	return f
}

func (f *fixture) conversation(members ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.members.On("GetMembers", mock.Anything, id).Return(members, nil)
	return id
}

func TestOneToOneCallCompletes(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	f.notifier.online[bob] = true
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{
		InitiatorID:    alice,
		Target:         domain.OneToOne{UserID: bob},
		ConversationID: conv,
		CallType:       domain.CallTypeAudio,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, call.Status)
	assert.NotEqual(t, uuid.Nil, call.CallID)

	rings := f.notifier.received(bob, protocol.EventIncomingCall)
	require.Len(t, rings, 1)
	ring := rings[0].payload.(domain.IncomingCallPayload)
	assert.Equal(t, "Alice", ring.CallerName)
	assert.False(t, ring.IsGroup)
	require.NotNil(t, rings[0].notification)
	assert.Equal(t, "Incoming Call", rings[0].notification.Title)

	f.clock = f.clock.Add(5 * time.Second)
	answered, err := f.svc.Answer(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, answered.Status)
	require.NotNil(t, answered.StartedAt)
	assert.Len(t, f.notifier.received(alice, protocol.EventCallAccepted), 1)

	f.clock = f.clock.Add(42 * time.Second)
	ended, err := f.svc.End(ctx, call.CallID, alice, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, ended.Status)
	assert.Equal(t, 42, ended.DurationSeconds)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, f.clock, *ended.EndedAt)

	assert.Len(t, f.notifier.received(alice, protocol.EventCallEnded), 1)
	assert.Len(t, f.notifier.received(bob, protocol.EventCallEnded), 1)

	f.tasks.Wait()
	stored, err := f.history.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, stored.Status)
	assert.Equal(t, 1, f.history.creates)
}

func TestUnansweredCallIsMissed(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeVideo})
	require.NoError(t, err)

	ended, err := f.svc.End(ctx, call.CallID, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, ended.Status)
	assert.Equal(t, 0, ended.DurationSeconds)

	notices := f.notifier.received(bob, protocol.EventCallEnded)
	require.Len(t, notices, 1)
	require.NotNil(t, notices[0].notification)
	assert.Equal(t, "Missed Call", notices[0].notification.Title)

	callerNotices := f.notifier.received(alice, protocol.EventCallEnded)
	require.Len(t, callerNotices, 1)
	assert.Nil(t, callerNotices[0].notification)
}

func TestTerminalCallsRejectFurtherTransitions(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, call.CallID, bob)
	require.NoError(t, err)

	_, err = f.svc.Answer(ctx, call.CallID, bob)
	assert.True(t, apperrors.IsInvalidState(err))
	_, err = f.svc.Reject(ctx, call.CallID, bob)
	assert.True(t, apperrors.IsInvalidState(err))
	_, err = f.svc.End(ctx, call.CallID, alice, 10)
	assert.True(t, apperrors.IsInvalidState(err))

	got, err := f.svc.Get(ctx, call.CallID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, got.Status)
	require.NotNil(t, got.EndedAt)

	rejections := f.notifier.received(alice, protocol.EventCallRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, domain.CallStatusRejected, rejections[0].payload.(domain.CallRejectedPayload).Status)
}

func TestAnswerRejectRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Answer(ctx, call.CallID, bob)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.Reject(ctx, call.CallID, bob)
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, apperrors.IsInvalidState(err))
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestInitiateValidatesParticipants(t *testing.T) {
	f := newFixture(t)
	alice, bob, mallory := f.users.add("Alice"), f.users.add("Bob"), f.users.add("Mallory")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: mallory, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	assert.True(t, apperrors.IsUnauthorized(err))

	_, err = f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: mallory}, ConversationID: conv, CallType: domain.CallTypeAudio})
	assert.True(t, apperrors.IsUnauthorized(err))

	ghost := uuid.New()
	ghostConv := f.conversation(alice, ghost)
	_, err = f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: ghost}, ConversationID: ghostConv, CallType: domain.CallTypeAudio})
	assert.Equal(t, apperrors.ErrCodeUserNotFound, apperrors.CodeOf(err))

	missing := uuid.New()
	f.members.On("GetMembers", mock.Anything, missing).Return(nil, apperrors.ConversationNotFoundError())
	_, err = f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: missing, CallType: domain.CallTypeAudio})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: "hologram"})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	assert.Equal(t, 0, f.svc.ActiveCalls())
}

func TestOnlyReceiverMayAnswer(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)

	_, err = f.svc.Answer(ctx, call.CallID, alice)
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = f.svc.End(ctx, call.CallID, uuid.New(), 0)
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = f.svc.Answer(ctx, uuid.New(), bob)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEndClampsNegativeDuration(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, call.CallID, bob)
	require.NoError(t, err)

	ended, err := f.svc.End(ctx, call.CallID, uuid.Nil, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, ended.DurationSeconds)
	assert.Equal(t, domain.CallStatusCompleted, ended.Status)
}

func TestRelaySignalIsSilentWhenTargetOffline(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	ctx := context.Background()
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	err := f.svc.RelaySignal(ctx, &domain.SignalingEnvelope{Type: domain.SignalTypeOffer, CallID: uuid.New(), FromUserID: alice, ToUserID: bob, Payload: offer})
	require.NoError(t, err)

	delivered := f.notifier.received(bob, protocol.EventReceiveCallOffer)
	require.Len(t, delivered, 1)
	assert.JSONEq(t, string(offer), string(delivered[0].payload.(domain.SignalPayload).Payload))

	err = f.svc.RelaySignal(ctx, &domain.SignalingEnvelope{Type: "renegotiate", FromUserID: alice, ToUserID: bob})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	err = f.svc.RelaySignal(ctx, &domain.SignalingEnvelope{Type: domain.SignalTypeICECandidate, FromUserID: alice, ToUserID: alice})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestGroupCallJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol, dave := f.users.add("Alice"), f.users.add("Bob"), f.users.add("Carol"), f.users.add("Dave")
	conv := f.conversation(alice, bob, carol, dave)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.Group{}, ConversationID: conv, CallType: domain.CallTypeVideo})
	require.NoError(t, err)
	assert.True(t, call.IsGroup())
	for _, id := range []uuid.UUID{bob, carol, dave} {
		assert.Len(t, f.notifier.received(id, protocol.EventIncomingGroupCall), 1)
	}
	assert.Empty(t, f.notifier.received(alice, protocol.EventIncomingGroupCall))

	present, err := f.svc.JoinGroup(ctx, call.CallID, bob)
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, alice, present[0].UserID)
	assert.Equal(t, "Alice", present[0].DisplayName)

	present, err = f.svc.JoinGroup(ctx, call.CallID, carol)
	require.NoError(t, err)
	assert.Len(t, present, 2)
	assert.Len(t, f.notifier.received(alice, protocol.EventUserJoinedGroupCall), 2)
	assert.Len(t, f.notifier.received(bob, protocol.EventUserJoinedGroupCall), 1)

	got, err := f.svc.Get(ctx, call.CallID, carol)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, got.Status)

	require.NoError(t, f.svc.LeaveGroup(ctx, call.CallID, carol))
	assert.Len(t, f.notifier.received(alice, protocol.EventUserLeftGroupCall), 1)
	assert.Len(t, f.notifier.received(bob, protocol.EventUserLeftGroupCall), 1)
	assert.Empty(t, f.notifier.received(dave, protocol.EventUserLeftGroupCall))

	require.NoError(t, f.svc.LeaveGroup(ctx, call.CallID, bob))
	f.clock = f.clock.Add(90 * time.Second)
	require.NoError(t, f.svc.LeaveGroup(ctx, call.CallID, alice))

	got, err = f.svc.Get(ctx, call.CallID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	assert.Equal(t, 90, got.DurationSeconds)
	assert.Len(t, f.notifier.received(dave, protocol.EventCallEnded), 1)
}

func TestGroupRejectNeedsEveryInvitee(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.users.add("Alice"), f.users.add("Bob"), f.users.add("Carol")
	conv := f.conversation(alice, bob, carol)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.Group{MemberIDs: []uuid.UUID{bob, carol}}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)

	got, err := f.svc.Reject(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, got.Status)

	got, err = f.svc.Reject(ctx, call.CallID, carol)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, got.Status)
	assert.Len(t, f.notifier.received(alice, protocol.EventCallRejected), 2)
}

func TestUpdateMediaStateNotifiesOtherParticipants(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeVideo})
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, call.CallID, bob)
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateMediaState(ctx, call.CallID, bob, true, false))
	changes := f.notifier.received(alice, protocol.EventCallMediaStateChanged)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].payload.(domain.MediaStatePayload).Muted)
	assert.Empty(t, f.notifier.received(bob, protocol.EventCallMediaStateChanged))

	err = f.svc.UpdateMediaState(ctx, call.CallID, uuid.New(), true, true)
	assert.True(t, apperrors.IsUnauthorized(err))
	err = f.svc.UpdateMediaState(ctx, uuid.New(), bob, true, true)
	assert.True(t, apperrors.IsNotFound(err))

	got, err := f.svc.Get(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.True(t, got.Participants[bob].Muted)
}

func TestEvictedCallsReloadFromHistory(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	_, err = f.svc.End(ctx, call.CallID, alice, 0)
	require.NoError(t, err)
	f.tasks.Wait()

	assert.Equal(t, 0, f.svc.Sweep(f.clock.Add(-time.Minute)))
	assert.Equal(t, 1, f.svc.Sweep(f.clock.Add(time.Minute)))

	_, err = f.svc.Answer(ctx, call.CallID, bob)
	assert.True(t, apperrors.IsInvalidState(err))

	history, err := f.svc.History(ctx, bob, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CallStatusMissed, history[0].Status)
}

func (f *fixture) peerNode() *Service {
	return NewService(f.users, f.members, f.notifier,
		WithHistory(f.history),
		WithTasks(f.tasks),
		WithClock(func() time.Time { return f.clock }))
}

func TestNodesSharingHistoryNeverMoveBackward(t *testing.T) {
	f := newFixture(t)
	other := f.peerNode()
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	f.tasks.Wait()

	answered, err := other.Answer(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, answered.Status)

	// this node still caches the call as pending
	ended, err := f.svc.End(ctx, call.CallID, alice, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, ended.Status)
	assert.Equal(t, 42, ended.DurationSeconds)

	_, err = other.End(ctx, call.CallID, bob, 0)
	assert.True(t, apperrors.IsInvalidState(err))

	stored, err := f.history.GetCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, stored.Status)
	assert.Equal(t, 42, stored.DurationSeconds)

	got, err := other.Get(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
}

func TestStaleNodeLosesAnswerRejectRace(t *testing.T) {
	f := newFixture(t)
	other := f.peerNode()
	alice, bob := f.users.add("Alice"), f.users.add("Bob")
	conv := f.conversation(alice, bob)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.OneToOne{UserID: bob}, ConversationID: conv, CallType: domain.CallTypeVideo})
	require.NoError(t, err)
	f.tasks.Wait()

	rejected, err := other.Reject(ctx, call.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, rejected.Status)

	_, err = f.svc.Answer(ctx, call.CallID, bob)
	assert.True(t, apperrors.IsInvalidState(err))
	assert.Empty(t, f.notifier.received(alice, protocol.EventCallAccepted))

	got, err := f.svc.Get(ctx, call.CallID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, got.Status)
}

func TestGroupJoinSeesJoinsFromOtherNodes(t *testing.T) {
	f := newFixture(t)
	other := f.peerNode()
	alice, bob, carol := f.users.add("Alice"), f.users.add("Bob"), f.users.add("Carol")
	conv := f.conversation(alice, bob, carol)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, &InitiateInput{InitiatorID: alice, Target: domain.Group{}, ConversationID: conv, CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	f.tasks.Wait()

	_, err = other.JoinGroup(ctx, call.CallID, bob)
	require.NoError(t, err)

	present, err := f.svc.JoinGroup(ctx, call.CallID, carol)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(present))
	for _, p := range present {
		ids = append(ids, p.UserID)
	}
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, ids)
}
