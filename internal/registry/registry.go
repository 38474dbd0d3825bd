// Package registry tracks live client connections and derives user presence from them.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
)

const presenceWriteTimeout = 5 * time.Second

// PresenceSink persists presence transitions (Redis in production).
type PresenceSink interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// PresenceListener is notified of every Online/Offline transition, in order.
type PresenceListener func(change domain.PresenceChange)

// Registry is the single owner of live connection state.
//
// Mutations are serialized by mu. Readers never take mu: every index value is
// an immutable slice that mutations replace wholesale.
type Registry struct {
	mu     sync.Mutex
	byID   sync.Map // connection id -> domain.Connection
	byUser sync.Map // user id -> []domain.Connection
	byConv sync.Map // conversation id -> []domain.Connection
	size   atomic.Int64

	sink         PresenceSink
	listenersMu  sync.RWMutex
	listeners    []PresenceListener
	sizeObserver func(int)
	log          *zap.Logger
	now          func() time.Time

	queueMu    sync.Mutex
	queue      []domain.PresenceChange
	closed     bool
	wake       chan struct{}
	stop       chan struct{}
	closeOnce  sync.Once
	workerDone chan struct{}
}

// Option configures a Registry
type Option func(*Registry)

func WithPresenceSink(sink PresenceSink) Option {
	return func(r *Registry) { r.sink = sink }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithSizeObserver receives the connection count after every mutation.
func WithSizeObserver(fn func(int)) Option {
	return func(r *Registry) { r.sizeObserver = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry and starts its presence worker.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:        zap.NewNop(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.runPresence()
	return r
}

// OnPresenceChange subscribes fn to presence transitions.
func (r *Registry) OnPresenceChange(fn PresenceListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register records a live connection. Registering an id that is already
// present replaces the earlier entry.
func (r *Registry) Register(userID, conversationID uuid.UUID, connectionID string) {
	if connectionID == "" || userID == uuid.Nil {
		r.log.Warn("Ignoring connection registration with missing identity",
			zap.String("connection_id", connectionID),
			zap.String("user_id", userID.String()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	affected := []uuid.UUID{userID}
	prev, replaced := r.load(connectionID)
	if replaced && prev.UserID != userID {
		affected = append(affected, prev.UserID)
	}
	before := r.countsLocked(affected)

	if replaced {
		r.log.Warn("Connection id registered twice, replacing prior entry",
			zap.String("connection_id", connectionID),
			zap.String("previous_user_id", prev.UserID.String()),
			zap.String("user_id", userID.String()))
		r.removeLocked(prev)
	}
	r.addLocked(domain.Connection{
		ID:             connectionID,
		UserID:         userID,
		ConversationID: conversationID,
		ConnectedAt:    r.now(),
	})

	r.transitionsLocked(affected, before)
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.load(connectionID)
	if !ok {
		return
	}
	affected := []uuid.UUID{conn.UserID}
	before := r.countsLocked(affected)
	r.removeLocked(conn)
	r.transitionsLocked(affected, before)
}

// SetConversation moves a connection into another conversation context.
// uuid.Nil clears it. Presence is unaffected.
func (r *Registry) SetConversation(connectionID string, conversationID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.load(connectionID)
	if !ok {
		return false
	}
	if conn.ConversationID == conversationID {
		return true
	}
	r.removeLocked(conn)
	conn.ConversationID = conversationID
	r.addLocked(conn)
	return true
}

// Get returns the connection with the given id.
func (r *Registry) Get(connectionID string) (domain.Connection, bool) {
	return r.load(connectionID)
}

// ConnectionsOf returns a copy of the user's live connections.
func (r *Registry) ConnectionsOf(userID uuid.UUID) []domain.Connection {
	return copyList(&r.byUser, userID)
}

// ConnectionsIn returns a copy of the connections viewing a conversation.
func (r *Registry) ConnectionsIn(conversationID uuid.UUID) []domain.Connection {
	if conversationID == uuid.Nil {
		return nil
	}
	return copyList(&r.byConv, conversationID)
}

// All returns every live connection.
func (r *Registry) All() []domain.Connection {
	out := make([]domain.Connection, 0, r.Len())
	r.byID.Range(func(_, v any) bool {
		out = append(out, v.(domain.Connection))
		return true
	})
	return out
}

// CountFor returns how many live connections the user holds.
func (r *Registry) CountFor(userID uuid.UUID) int {
	return len(loadList(&r.byUser, userID))
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	return r.CountFor(userID) > 0
}

// Len returns the total number of live connections.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Close flushes pending presence effects and stops the worker.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.queueMu.Lock()
		r.closed = true
		r.queueMu.Unlock()
		close(r.stop)
	})
	<-r.workerDone
}

func (r *Registry) load(connectionID string) (domain.Connection, bool) {
	v, ok := r.byID.Load(connectionID)
	if !ok {
		return domain.Connection{}, false
	}
	return v.(domain.Connection), true
}

func (r *Registry) addLocked(conn domain.Connection) {
	r.byID.Store(conn.ID, conn)
	r.size.Add(1)
	storeList(&r.byUser, conn.UserID, appendConn(loadList(&r.byUser, conn.UserID), conn))
	if conn.ConversationID != uuid.Nil {
		storeList(&r.byConv, conn.ConversationID, appendConn(loadList(&r.byConv, conn.ConversationID), conn))
	}
	r.observeSize()
}

func (r *Registry) removeLocked(conn domain.Connection) {
	r.byID.Delete(conn.ID)
	r.size.Add(-1)
	storeList(&r.byUser, conn.UserID, withoutConn(loadList(&r.byUser, conn.UserID), conn.ID))
	if conn.ConversationID != uuid.Nil {
		storeList(&r.byConv, conn.ConversationID, withoutConn(loadList(&r.byConv, conn.ConversationID), conn.ID))
	}
	r.observeSize()
}

func (r *Registry) observeSize() {
	if r.sizeObserver != nil {
		r.sizeObserver(r.Len())
	}
}

func (r *Registry) countsLocked(users []uuid.UUID) []int {
	counts := make([]int, len(users))
	for i, id := range users {
		counts[i] = r.CountFor(id)
	}
	return counts
}

// transitionsLocked queues a presence change for every user whose connection
// count crossed zero. Queue order is mutation order.
func (r *Registry) transitionsLocked(users []uuid.UUID, before []int) {
	at := r.now()
	for i, id := range users {
		after := r.CountFor(id)
		switch {
		case before[i] == 0 && after > 0:
			r.enqueue(domain.PresenceChange{UserID: id, State: domain.PresenceOnline, At: at})
		case before[i] > 0 && after == 0:
			r.enqueue(domain.PresenceChange{UserID: id, State: domain.PresenceOffline, At: at})
		}
	}
}

func (r *Registry) enqueue(change domain.PresenceChange) {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		r.log.Debug("Registry closed, dropping presence change",
			zap.String("user_id", change.UserID.String()),
			zap.String("state", string(change.State)))
		return
	}
	r.queue = append(r.queue, change)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) drain() []domain.PresenceChange {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	batch := r.queue
	r.queue = nil
	return batch
}

func (r *Registry) runPresence() {
	defer close(r.workerDone)
	for {
		batch := r.drain()
		for _, change := range batch {
			r.applyPresence(change)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-r.wake:
		case <-r.stop:
			for _, change := range r.drain() {
				r.applyPresence(change)
			}
			return
		}
	}
}

func (r *Registry) applyPresence(change domain.PresenceChange) {
	if r.sink != nil {
		if err := r.persist(change); err != nil {
			r.log.Warn("Failed to persist presence",
				zap.String("user_id", change.UserID.String()),
				zap.String("state", string(change.State)),
				zap.Error(err))
		}
	}

	r.listenersMu.RLock()
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		r.notify(fn, change)
	}
}

func (r *Registry) persist(change domain.PresenceChange) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("presence sink panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	if change.State == domain.PresenceOnline {
		return r.sink.SetUserOnline(ctx, change.UserID)
	}
	return r.sink.SetUserOffline(ctx, change.UserID)
}

func (r *Registry) notify(fn PresenceListener, change domain.PresenceChange) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Presence listener panicked",
				zap.String("user_id", change.UserID.String()),
				zap.Any("panic", p))
		}
	}()
	fn(change)
}

func loadList(m *sync.Map, key uuid.UUID) []domain.Connection {
	v, ok := m.Load(key)
	if !ok {
		return nil
	}
	return v.([]domain.Connection)
}

func copyList(m *sync.Map, key uuid.UUID) []domain.Connection {
	list := loadList(m, key)
	if len(list) == 0 {
		return nil
	}
	out := make([]domain.Connection, len(list))
	copy(out, list)
	return out
}

func storeList(m *sync.Map, key uuid.UUID, list []domain.Connection) {
	if len(list) == 0 {
		m.Delete(key)
		return
	}
	m.Store(key, list)
}

func appendConn(list []domain.Connection, conn domain.Connection) []domain.Connection {
	out := make([]domain.Connection, len(list), len(list)+1)
	copy(out, list)
	return append(out, conn)
}

func withoutConn(list []domain.Connection, connectionID string) []domain.Connection {
	out := make([]domain.Connection, 0, len(list))
	for _, c := range list {
		if c.ID != connectionID {
			out = append(out, c)
		}
	}
	return out
}
