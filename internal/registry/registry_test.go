package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
)

// MockPresenceSink is a mock implementation of PresenceSink
type MockPresenceSink struct {
	mock.Mock
}

func (m *MockPresenceSink) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockPresenceSink) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []domain.PresenceChange
}

func (c *changeRecorder) record(change domain.PresenceChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeRecorder) states(userID uuid.UUID) []domain.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.PresenceState
	for _, ch := range c.changes {
		if ch.UserID == userID {
			out = append(out, ch.State)
		}
	}
	return out
}

func newRecordedRegistry(opts ...Option) (*Registry, *changeRecorder) {
	r := New(opts...)
	rec := &changeRecorder{}
	r.OnPresenceChange(rec.record)
	return r, rec
}

func TestMultiDeviceUserGoesOfflineOnce(t *testing.T) {
	r, rec := newRecordedRegistry()
	userA := uuid.New()

	r.Register(userA, uuid.Nil, "c1")
	r.Register(userA, uuid.Nil, "c2")
	r.Unregister("c1")
	assert.True(t, r.IsOnline(userA))
	r.Unregister("c2")
	r.Close()

	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline, domain.PresenceOffline}, rec.states(userA))
	assert.Equal(t, 0, r.CountFor(userA))
	assert.Equal(t, 0, r.Len())
}

func TestDuplicateConnectionIDReplacesEntry(t *testing.T) {
	r, rec := newRecordedRegistry()
	userA := uuid.New()
	convA := uuid.New()
	convB := uuid.New()

	r.Register(userA, convA, "c1")
	r.Register(userA, convB, "c1")
	r.Close()

	assert.Equal(t, 1, r.CountFor(userA))
	assert.Empty(t, r.ConnectionsIn(convA))
	require.Len(t, r.ConnectionsIn(convB), 1)
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, rec.states(userA))
}

func TestDuplicateConnectionIDAcrossUsers(t *testing.T) {
	r, rec := newRecordedRegistry()
	userA := uuid.New()
	userB := uuid.New()

	r.Register(userA, uuid.Nil, "c1")
	r.Register(userB, uuid.Nil, "c1")
	r.Close()

	assert.Equal(t, 0, r.CountFor(userA))
	assert.Equal(t, 1, r.CountFor(userB))
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline, domain.PresenceOffline}, rec.states(userA))
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, rec.states(userB))
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r, rec := newRecordedRegistry()
	r.Unregister("missing")
	r.Register(uuid.Nil, uuid.Nil, "c1")
	r.Register(uuid.New(), uuid.Nil, "")
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, rec.changes)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New()
	defer r.Close()
	userA := uuid.New()
	conv := uuid.New()

	r.Register(userA, conv, "c1")
	snapshot := r.ConnectionsOf(userA)
	require.Len(t, snapshot, 1)
	snapshot[0].ID = "tampered"

	r.Register(userA, conv, "c2")

	assert.Equal(t, "c1", r.ConnectionsOf(userA)[0].ID)
	assert.Len(t, snapshot, 1)
	assert.Len(t, r.ConnectionsIn(conv), 2)
	assert.Len(t, r.All(), 2)
}

func TestSetConversationMovesContext(t *testing.T) {
	r, rec := newRecordedRegistry()
	userA := uuid.New()
	convA := uuid.New()
	convB := uuid.New()

	r.Register(userA, convA, "c1")
	assert.True(t, r.SetConversation("c1", convB))
	assert.False(t, r.SetConversation("missing", convB))
	r.Close()

	assert.Empty(t, r.ConnectionsIn(convA))
	assert.Len(t, r.ConnectionsIn(convB), 1)
	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline}, rec.states(userA))

	conn, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, convB, conn.ConversationID)
}

func TestPresenceSinkFailuresDoNotBlockListeners(t *testing.T) {
	sink := new(MockPresenceSink)
	userA := uuid.New()
	sink.On("SetUserOnline", mock.Anything, userA).Return(errors.New("redis down"))
	sink.On("SetUserOffline", mock.Anything, userA).Run(func(args mock.Arguments) {
		panic("sink exploded")
	})

	r, rec := newRecordedRegistry(WithPresenceSink(sink))
	r.Register(userA, uuid.Nil, "c1")
	r.Unregister("c1")
	r.Close()

	assert.Equal(t, []domain.PresenceState{domain.PresenceOnline, domain.PresenceOffline}, rec.states(userA))
	sink.AssertExpectations(t)
}

func TestConcurrentMutationsNeverDuplicateTransitions(t *testing.T) {
	var size int
	var sizeMu sync.Mutex
	r, rec := newRecordedRegistry(WithSizeObserver(func(n int) {
		sizeMu.Lock()
		size = n
		sizeMu.Unlock()
	}))
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				user := users[(w+i)%len(users)]
				id := fmt.Sprintf("w%d-%d", w, i)
				r.Register(user, uuid.Nil, id)
				r.Unregister(id)
			}
		}(w)
	}
	wg.Wait()
	r.Close()

	for _, user := range users {
		states := rec.states(user)
		require.NotEmpty(t, states)
		for i, state := range states {
			if i%2 == 0 {
				assert.Equal(t, domain.PresenceOnline, state)
			} else {
				assert.Equal(t, domain.PresenceOffline, state)
			}
		}
		assert.Equal(t, domain.PresenceOffline, states[len(states)-1])
	}
	assert.Equal(t, 0, r.Len())
	sizeMu.Lock()
	assert.Equal(t, 0, size)
	sizeMu.Unlock()
}
