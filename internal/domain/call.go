package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle status of a CallSession
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCompleted CallStatus = "completed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending:  {CallStatusAnswered, CallStatusRejected, CallStatusMissed},
	CallStatusAnswered: {CallStatusCompleted, CallStatusMissed},
}

// CanTransitionTo reports whether a session in status s may move to next.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s CallStatus) IsTerminal() bool {
	return len(callTransitions[s]) == 0
}

// CallTarget is either OneToOne or Group.
type CallTarget interface {
	// Recipients returns the users invited by the initiator.
	Recipients() []uuid.UUID
	isCallTarget()
}

// OneToOne targets a single receiver.
type OneToOne struct {
	UserID uuid.UUID `json:"user_id"`
}

func (t OneToOne) Recipients() []uuid.UUID { return []uuid.UUID{t.UserID} }
func (OneToOne) isCallTarget()             {}

// Group targets a set of conversation members.
type Group struct {
	MemberIDs []uuid.UUID `json:"member_ids"`
}

func (t Group) Recipients() []uuid.UUID {
	out := make([]uuid.UUID, len(t.MemberIDs))
	copy(out, t.MemberIDs)
	return out
}
func (Group) isCallTarget() {}

// IsGroupTarget reports whether t is a Group target.
func IsGroupTarget(t CallTarget) bool {
	_, ok := t.(Group)
	return ok
}

// ReceiverID returns the receiver of a one-to-one target, uuid.Nil for groups.
func ReceiverID(t CallTarget) uuid.UUID {
	if one, ok := t.(OneToOne); ok {
		return one.UserID
	}
	return uuid.Nil
}

// ParticipantMedia tracks a participant's announced media flags.
type ParticipantMedia struct {
	UserID   uuid.UUID  `json:"user_id"`
	Muted    bool       `json:"muted"`
	VideoOff bool       `json:"video_off"`
	Joined   bool       `json:"joined"`
	Declined bool       `json:"declined"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

// CallSession is the server-side record of one call. Records are never deleted.
type CallSession struct {
	CallID          uuid.UUID                       `json:"call_id"`
	InitiatorID     uuid.UUID                       `json:"initiator_id"`
	Target          CallTarget                      `json:"-"`
	ConversationID  uuid.UUID                       `json:"conversation_id"`
	CallType        CallType                        `json:"call_type"`
	Status          CallStatus                      `json:"status"`
	CreatedAt       time.Time                       `json:"created_at"`
	StartedAt       *time.Time                      `json:"started_at,omitempty"`
	EndedAt         *time.Time                      `json:"ended_at,omitempty"`
	DurationSeconds int                             `json:"duration_seconds"`
	Participants    map[uuid.UUID]*ParticipantMedia `json:"participants"`
}

// IsGroup reports whether the session targets a group.
func (c *CallSession) IsGroup() bool {
	return IsGroupTarget(c.Target)
}

// IsParticipant reports whether userID is the initiator or an invitee.
func (c *CallSession) IsParticipant(userID uuid.UUID) bool {
	_, ok := c.Participants[userID]
	return ok
}

// IsInvitee reports whether userID was invited by the initiator.
func (c *CallSession) IsInvitee(userID uuid.UUID) bool {
	return userID != c.InitiatorID && c.IsParticipant(userID)
}

// ParticipantIDs lists every participant, initiator first.
func (c *CallSession) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	ids = append(ids, c.InitiatorID)
	seen := map[uuid.UUID]bool{c.InitiatorID: true}
	if c.Target != nil {
		for _, id := range c.Target.Recipients() {
			if _, ok := c.Participants[id]; ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for id := range c.Participants {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// JoinedIDs lists the participants currently present in the media session.
func (c *CallSession) JoinedIDs() []uuid.UUID {
	var ids []uuid.UUID
	for id, p := range c.Participants {
		if p.Joined {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (c *CallSession) Clone() *CallSession {
	out := *c
	out.Participants = make(map[uuid.UUID]*ParticipantMedia, len(c.Participants))
	for id, p := range c.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// CallParticipant is a remote participant as seen by a client in a group call.
type CallParticipant struct {
	UserID       uuid.UUID `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	StreamHandle string    `json:"stream_handle,omitempty"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
}

// CallEventKind names an entry of the call lifecycle log
type CallEventKind string

const (
	CallEventInitiated    CallEventKind = "initiated"
	CallEventAnswered     CallEventKind = "answered"
	CallEventRejected     CallEventKind = "rejected"
	CallEventJoined       CallEventKind = "joined"
	CallEventLeft         CallEventKind = "left"
	CallEventEnded        CallEventKind = "ended"
	CallEventMediaChanged CallEventKind = "media_changed"
)

// CallEvent is one append-only entry of the call lifecycle log.
type CallEvent struct {
	CallID  uuid.UUID     `json:"call_id" cql:"call_id"`
	Kind    CallEventKind `json:"kind" cql:"kind"`
	ActorID uuid.UUID     `json:"actor_id" cql:"actor_id"`
	Status  CallStatus    `json:"status" cql:"status"`
	At      time.Time     `json:"at" cql:"at"`
}

// CallView is the wire shape of a CallSession returned to clients.
type CallView struct {
	CallID          uuid.UUID          `json:"call_id"`
	ConversationID  uuid.UUID          `json:"conversation_id"`
	InitiatorID     uuid.UUID          `json:"initiator_id"`
	CallType        CallType           `json:"call_type"`
	Status          CallStatus         `json:"status"`
	IsGroup         bool               `json:"is_group"`
	ReceiverID      uuid.UUID          `json:"receiver_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
	DurationSeconds int                `json:"duration_seconds"`
	Participants    []ParticipantMedia `json:"participants"`
}

// View flattens the session, participants in ParticipantIDs order.
func (c *CallSession) View() CallView {
	v := CallView{
		CallID:          c.CallID,
		ConversationID:  c.ConversationID,
		InitiatorID:     c.InitiatorID,
		CallType:        c.CallType,
		Status:          c.Status,
		IsGroup:         c.IsGroup(),
		ReceiverID:      ReceiverID(c.Target),
		CreatedAt:       c.CreatedAt,
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		DurationSeconds: c.DurationSeconds,
	}
	for _, id := range c.ParticipantIDs() {
		if p, ok := c.Participants[id]; ok {
			v.Participants = append(v.Participants, *p)
		}
	}
	return v
}
