package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/registry"
	"chatcore-backend/pkg/background"
	"chatcore-backend/pkg/protocol"
	"chatcore-backend/pkg/push"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: map[string][][]byte{}, fail: map[string]bool{}}
}

func (s *recordingSender) Send(connectionID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[connectionID] {
		return errors.New("send buffer full")
	}
	s.frames[connectionID] = append(s.frames[connectionID], frame)
	return nil
}

func (s *recordingSender) count(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[connectionID])
}

func (s *recordingSender) last(t *testing.T, connectionID string) *protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames[connectionID]
	require.NotEmpty(t, frames)
	frame, err := protocol.Decode(frames[len(frames)-1])
	require.NoError(t, err)
	return frame
}

// MockPushGateway is a mock implementation of PushGateway
type MockPushGateway struct {
	mock.Mock
}

func (m *MockPushGateway) Notify(ctx context.Context, userID uuid.UUID, notification *push.Notification) error {
	args := m.Called(ctx, userID, notification)
	return args.Error(0)
}

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

type recordingRelay struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (r *recordingRelay) Publish(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func TestBroadcastToConversationResolvesAtDispatchTime(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	d := NewDispatcher(reg, sender)

	conv := uuid.New()
	userA, userB := uuid.New(), uuid.New()
	reg.Register(userA, conv, "a1")
	reg.Register(userB, conv, "b1")

	assert.Equal(t, 2, d.BroadcastToConversation(context.Background(), conv, protocol.EventReceiveMessage, map[string]string{"text": "hi"}))

	reg.Unregister("b1")
	assert.Equal(t, 1, d.BroadcastToConversation(context.Background(), conv, protocol.EventMessageRead, map[string]string{"id": "1"}))

	assert.Equal(t, 2, sender.count("a1"))
	assert.Equal(t, 1, sender.count("b1"))
	assert.Equal(t, protocol.EventMessageRead, sender.last(t, "a1").Event)
}

func TestBroadcastContinuesPastFailingRecipient(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	sender.fail["a1"] = true
	d := NewDispatcher(reg, sender)

	userA := uuid.New()
	reg.Register(userA, uuid.Nil, "a1")
	reg.Register(userA, uuid.Nil, "a2")
	reg.Register(userA, uuid.Nil, "a3")

	delivered := d.BroadcastToUser(context.Background(), userA, protocol.EventCallEnded, map[string]int{"duration_seconds": 3})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, sender.count("a1"))
	assert.Equal(t, 1, sender.count("a2"))
	assert.Equal(t, 1, sender.count("a3"))
}

func TestBroadcastToAllSkipsExceptedUser(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	d := NewDispatcher(reg, sender)

	userA, userB := uuid.New(), uuid.New()
	reg.Register(userA, uuid.Nil, "a1")
	reg.Register(userB, uuid.Nil, "b1")

	assert.Equal(t, 1, d.BroadcastToAll(context.Background(), protocol.EventUserOnlineStatusChanged, map[string]bool{"is_online": true}, userA))
	assert.Equal(t, 0, sender.count("a1"))
	assert.Equal(t, 1, sender.count("b1"))
}

func TestNotifyUserPushesOnlyWithoutConnections(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	gateway := new(MockPushGateway)
	tasks := background.New()
	d := NewDispatcher(reg, sender, WithPush(gateway, nil), WithTasks(tasks))

	online, offline := uuid.New(), uuid.New()
	reg.Register(online, uuid.Nil, "on1")
	notification := &push.Notification{Title: "Incoming Call"}
	gateway.On("Notify", mock.Anything, offline, notification).Return(nil).Once()

	assert.Equal(t, 1, d.NotifyUser(context.Background(), online, protocol.EventIncomingCall, map[string]string{}, notification))
	assert.Equal(t, 0, d.NotifyUser(context.Background(), offline, protocol.EventIncomingCall, map[string]string{}, notification))
	tasks.Wait()

	gateway.AssertExpectations(t)
	gateway.AssertNotCalled(t, "Notify", mock.Anything, online, mock.Anything)
}

func TestNotifyMembersExcludesSender(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	members := new(MockMembershipDirectory)
	d := NewDispatcher(reg, sender, WithMembers(members))

	conv := uuid.New()
	author, reader := uuid.New(), uuid.New()
	reg.Register(author, conv, "author")
	reg.Register(reader, uuid.Nil, "reader")
	members.On("GetMembers", mock.Anything, conv).Return([]uuid.UUID{author, reader}, nil)

	delivered := d.NotifyMembers(context.Background(), conv, protocol.EventReceiveMessage, map[string]string{"text": "hello"}, author, nil)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, sender.count("author"))
	assert.Equal(t, 1, sender.count("reader"))
}

func TestNotifyMembersSwallowsDirectoryErrors(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	members := new(MockMembershipDirectory)
	d := NewDispatcher(reg, newRecordingSender(), WithMembers(members))

	conv := uuid.New()
	members.On("GetMembers", mock.Anything, conv).Return(nil, errors.New("db down"))

	assert.Equal(t, 0, d.NotifyMembers(context.Background(), conv, protocol.EventReceiveMessage, map[string]string{}, uuid.Nil, nil))
}

func TestRelayReceivesEveryBroadcast(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	relay := &recordingRelay{}
	tasks := background.New()
	d := NewDispatcher(reg, newRecordingSender(), WithRelay(relay), WithTasks(tasks))

	userA := uuid.New()
	d.BroadcastToUser(context.Background(), userA, protocol.EventCallAccepted, map[string]string{})
	tasks.Wait()

	require.Len(t, relay.envs, 1)
	assert.Equal(t, ScopeUser, relay.envs[0].Scope)
	assert.Equal(t, userA, relay.envs[0].TargetID)
	assert.Equal(t, "CallAccepted", relay.envs[0].Event)
}

func TestBridgeIgnoresOwnEnvelopes(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	sender := newRecordingSender()
	d := NewDispatcher(reg, sender)
	bridge := NewRedisBridge(nil, "node-a", nil)

	userA := uuid.New()
	reg.Register(userA, uuid.Nil, "a1")
	frame, err := protocol.EncodeEvent(protocol.EventCallEnded, map[string]int{"duration_seconds": 1})
	require.NoError(t, err)

	own, _ := json.Marshal(Envelope{Origin: "node-a", Scope: ScopeUser, TargetID: userA, Event: "CallEnded", Frame: frame})
	foreign, _ := json.Marshal(Envelope{Origin: "node-b", Scope: ScopeUser, TargetID: userA, Event: "CallEnded", Frame: frame})

	assert.Equal(t, 0, bridge.handle(d, string(own)))
	assert.Equal(t, 1, bridge.handle(d, string(foreign)))
	assert.Equal(t, 0, bridge.handle(d, "not json"))
	assert.Equal(t, 1, sender.count("a1"))
}
