// Package fanout delivers server events to the live connections interested in them.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/background"
	"chatcore-backend/pkg/protocol"
	"chatcore-backend/pkg/push"
)

// Lookup resolves live connections. Satisfied by *registry.Registry.
type Lookup interface {
	ConnectionsOf(userID uuid.UUID) []domain.Connection
	ConnectionsIn(conversationID uuid.UUID) []domain.Connection
	All() []domain.Connection
}

// Sender writes one encoded frame to one live connection without blocking.
type Sender interface {
	Send(connectionID string, frame []byte) error
}

// MembershipDirectory lists the members of a conversation.
type MembershipDirectory interface {
	GetMembers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// PushGateway notifies a user on their devices.
type PushGateway interface {
	Notify(ctx context.Context, userID uuid.UUID, notification *push.Notification) error
}

// PresenceReader reports cluster-wide presence.
type PresenceReader interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Relay forwards a broadcast to the other nodes of the cluster.
type Relay interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Recorder receives delivery counts per broadcast.
type Recorder interface {
	RecordFanout(event string, delivered, dropped int)
}

// Scope selects how an Envelope's targets are resolved
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
	ScopeAll          Scope = "all"
)

// Envelope is a broadcast as it travels between nodes. Targets are resolved
// by each receiving node against its own registry.
type Envelope struct {
	Origin     string          `json:"origin"`
	Scope      Scope           `json:"scope"`
	TargetID   uuid.UUID       `json:"target_id,omitempty"`
	ExceptUser uuid.UUID       `json:"except_user,omitempty"`
	Event      string          `json:"event"`
	Frame      json.RawMessage `json:"frame"`
}

// Dispatcher resolves targets at dispatch time and delivers each event at
// most once per live connection. It never returns errors.
type Dispatcher struct {
	lookup   Lookup
	sender   Sender
	members  MembershipDirectory
	push     PushGateway
	presence PresenceReader
	relay    Relay
	recorder Recorder
	tasks    *background.Runner
	log      *zap.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

func WithMembers(members MembershipDirectory) Option {
	return func(d *Dispatcher) { d.members = members }
}

// WithPush enables push fallback for users without a live connection.
func WithPush(gateway PushGateway, presence PresenceReader) Option {
	return func(d *Dispatcher) {
		d.push = gateway
		d.presence = presence
	}
}

func WithRelay(relay Relay) Option {
	return func(d *Dispatcher) { d.relay = relay }
}

func WithRecorder(recorder Recorder) Option {
	return func(d *Dispatcher) { d.recorder = recorder }
}

func WithTasks(tasks *background.Runner) Option {
	return func(d *Dispatcher) {
		if tasks != nil {
			d.tasks = tasks
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(lookup Lookup, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lookup: lookup,
		sender: sender,
		tasks:  background.New(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BroadcastToConversation delivers to every connection currently viewing the conversation.
func (d *Dispatcher) BroadcastToConversation(ctx context.Context, conversationID uuid.UUID, kind protocol.EventKind, payload any) int {
	frame, ok := d.encode(kind, payload)
	if !ok {
		return 0
	}
	return d.dispatch(ctx, &Envelope{Scope: ScopeConversation, TargetID: conversationID, Event: kind.String(), Frame: frame})
}

// BroadcastToUser delivers to every live connection of the user.
func (d *Dispatcher) BroadcastToUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any) int {
	frame, ok := d.encode(kind, payload)
	if !ok {
		return 0
	}
	return d.dispatch(ctx, &Envelope{Scope: ScopeUser, TargetID: userID, Event: kind.String(), Frame: frame})
}

// BroadcastToAll delivers to every live connection except those of exceptUser.
func (d *Dispatcher) BroadcastToAll(ctx context.Context, kind protocol.EventKind, payload any, exceptUser uuid.UUID) int {
	frame, ok := d.encode(kind, payload)
	if !ok {
		return 0
	}
	return d.dispatch(ctx, &Envelope{Scope: ScopeAll, ExceptUser: exceptUser, Event: kind.String(), Frame: frame})
}

// PublishRaw delivers an already-encoded payload supplied by a collaborator.
func (d *Dispatcher) PublishRaw(ctx context.Context, scope Scope, targetID uuid.UUID, kind protocol.EventKind, data json.RawMessage) int {
	frame, err := protocol.EncodeRawEvent(kind, data)
	if err != nil {
		d.log.Error("Failed to encode event", zap.String("event", kind.String()), zap.Error(err))
		return 0
	}
	return d.dispatch(ctx, &Envelope{Scope: scope, TargetID: targetID, Event: kind.String(), Frame: frame})
}

// NotifyUser delivers to the user's live connections. When the user has none,
// notification (if non-nil) is pushed in the background.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any, notification *push.Notification) int {
	hadConnections := len(d.lookup.ConnectionsOf(userID)) > 0
	delivered := d.BroadcastToUser(ctx, userID, kind, payload)
	if !hadConnections && notification != nil {
		d.pushFallback(ctx, userID, notification)
	}
	return delivered
}

// NotifyMembers resolves the conversation's members and notifies each one except exceptUser.
func (d *Dispatcher) NotifyMembers(ctx context.Context, conversationID uuid.UUID, kind protocol.EventKind, payload any, exceptUser uuid.UUID, notification *push.Notification) int {
	if d.members == nil {
		return d.BroadcastToConversation(ctx, conversationID, kind, payload)
	}
	members, err := d.members.GetMembers(ctx, conversationID)
	if err != nil {
		d.log.Warn("Failed to resolve conversation members",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return 0
	}

	delivered := 0
	for _, member := range members {
		if member == exceptUser {
			continue
		}
		delivered += d.NotifyUser(ctx, member, kind, payload, notification)
	}
	return delivered
}

// DeliverRemote replays an envelope published by another node against the local registry.
func (d *Dispatcher) DeliverRemote(env *Envelope) int {
	return d.deliverLocal(env)
}

func (d *Dispatcher) dispatch(ctx context.Context, env *Envelope) int {
	delivered := d.deliverLocal(env)
	if d.relay != nil {
		d.tasks.Go(ctx, "fanout.publish", func(ctx context.Context) error {
			return d.relay.Publish(ctx, env)
		})
	}
	return delivered
}

func (d *Dispatcher) deliverLocal(env *Envelope) int {
	var targets []domain.Connection
	switch env.Scope {
	case ScopeConversation:
		targets = d.lookup.ConnectionsIn(env.TargetID)
	case ScopeUser:
		targets = d.lookup.ConnectionsOf(env.TargetID)
	case ScopeAll:
		targets = d.lookup.All()
	default:
		d.log.Warn("Unknown fanout scope", zap.String("scope", string(env.Scope)))
		return 0
	}

	delivered, dropped := 0, 0
	for _, conn := range targets {
		if env.ExceptUser != uuid.Nil && conn.UserID == env.ExceptUser {
			continue
		}
		if err := d.sender.Send(conn.ID, env.Frame); err != nil {
			dropped++
			d.log.Debug("Dropped event for connection",
				zap.String("event", env.Event),
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		delivered++
	}

	if d.recorder != nil {
		d.recorder.RecordFanout(env.Event, delivered, dropped)
	}
	return delivered
}

func (d *Dispatcher) encode(kind protocol.EventKind, payload any) (json.RawMessage, bool) {
	frame, err := protocol.EncodeEvent(kind, payload)
	if err != nil {
		d.log.Error("Failed to encode event", zap.String("event", kind.String()), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (d *Dispatcher) pushFallback(ctx context.Context, userID uuid.UUID, notification *push.Notification) {
	if d.push == nil {
		return
	}
	d.tasks.Go(ctx, "push.notify", func(ctx context.Context) error {
		if d.presence != nil {
			online, err := d.presence.IsUserOnline(ctx, userID)
			if err == nil && online {
				// Connected to another node; the relay reaches them there.
				return nil
			}
		}
		return d.push.Notify(ctx, userID, notification)
	})
}
