// Package callstate drives one device's side of a call: ringing, answering,
// peer negotiation through the gateway, and teardown.
package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/client"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/protocol"
)

// State of the local device in a call
type State int

const (
	Idle State = iota
	Ringing
	IncomingRinging
	Connecting
	Connected
	Ended
	Rejected
)

var stateNames = [...]string{"idle", "ringing", "incoming_ringing", "connecting", "connected", "ended", "rejected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether a call occupies the device.
func (s State) Active() bool {
	return s != Idle && s != Ended && s != Rejected
}

var (
	ErrMediaUnavailable = errors.New("callstate: local media unavailable")
	ErrNoAnswer         = errors.New("callstate: no answer")
	ErrBusy             = errors.New("callstate: a call is already in progress")
	ErrNoCall           = errors.New("callstate: no matching call")
	ErrNotBound         = errors.New("callstate: not bound to a session")
	ErrPeerLost         = errors.New("callstate: peer connection lost")
)

// Session is the subset of *client.Session the machine needs.
type Session interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	On(kind protocol.EventKind, h client.Handler)
	Off(kind protocol.EventKind)
}

// Outgoing describes a call to place. A TargetUserID rings one user, Group
// rings every other conversation member unless MemberIDs narrows it.
type Outgoing struct {
	ConversationID uuid.UUID
	CallType       domain.CallType
	TargetUserID   uuid.UUID
	Group          bool
	MemberIDs      []uuid.UUID
}

type initiateArgs struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	CallType       domain.CallType `json:"call_type"`
	TargetUserID   uuid.UUID       `json:"target_user_id,omitempty"`
	Group          bool            `json:"group,omitempty"`
	MemberIDs      []uuid.UUID     `json:"member_ids,omitempty"`
}

// Snapshot is a copy of the machine's observable state.
type Snapshot struct {
	State        State
	CallID       uuid.UUID
	CallType     domain.CallType
	IsGroup      bool
	Outgoing     bool
	RemoteID     uuid.UUID
	Participants []domain.CallParticipant
	AudioEnabled bool
	VideoEnabled bool
	Err          error
}

type Option func(*Machine)

// WithRingTimeout bounds how long a call rings on either side.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// WithInvokeTimeout bounds every gateway call made by the machine.
func WithInvokeTimeout(d time.Duration) Option {
	return func(m *Machine) { m.invokeTimeout = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithOnChange is called with a snapshot after every observable change. It
// runs without internal locks held, possibly from several goroutines.
func WithOnChange(fn func(Snapshot)) Option {
	return func(m *Machine) { m.onChange = fn }
}

type activeCall struct {
	id           uuid.UUID
	callType     domain.CallType
	isGroup      bool
	outgoing     bool
	remote       uuid.UUID
	media        LocalMedia
	audio        bool
	video        bool
	peers        map[uuid.UUID]Peer
	participants map[uuid.UUID]*domain.CallParticipant
	ringTimer    *time.Timer
	connectedAt  time.Time

	// candidates from a remote party wait here until its peer has the
	// remote description
	described  map[uuid.UUID]bool
	candidates map[uuid.UUID][]json.RawMessage
}

func newActiveCall(callType domain.CallType, isGroup, outgoing bool) *activeCall {
	return &activeCall{
		callType:     callType,
		isGroup:      isGroup,
		outgoing:     outgoing,
		audio:        true,
		video:        callType == domain.CallTypeVideo,
		peers:        make(map[uuid.UUID]Peer),
		participants: make(map[uuid.UUID]*domain.CallParticipant),
		described:    make(map[uuid.UUID]bool),
		candidates:   make(map[uuid.UUID][]json.RawMessage),
	}
}

// dropPeer forgets everything about userID's peer. Requires mu.
func (c *activeCall) dropPeer(userID uuid.UUID) Peer {
	peer := c.peers[userID]
	delete(c.peers, userID)
	delete(c.described, userID)
	delete(c.candidates, userID)
	return peer
}

func (c *activeCall) participant(userID uuid.UUID) *domain.CallParticipant {
	p, ok := c.participants[userID]
	if !ok {
		p = &domain.CallParticipant{
			UserID:       userID,
			AudioEnabled: true,
			VideoEnabled: c.callType == domain.CallTypeVideo,
		}
		c.participants[userID] = p
	}
	return p
}

// Machine is the call state of one device. Peer and gateway operations
// never run under mu.
type Machine struct {
	self          uuid.UUID
	media         MediaSource
	peers         PeerFactory
	ringTimeout   time.Duration
	invokeTimeout time.Duration
	log           *zap.Logger
	onChange      func(Snapshot)

	mu      sync.Mutex
	session Session
	state   State
	err     error
	call    *activeCall
}

func New(self uuid.UUID, media MediaSource, peers PeerFactory, opts ...Option) *Machine {
	m := &Machine{
		self:          self,
		media:         media,
		peers:         peers,
		ringTimeout:   constants.RingTimeout,
		invokeTimeout: constants.DefaultTimeout,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind subscribes the machine to call events on session.
func (m *Machine) Bind(s Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	s.On(protocol.EventIncomingCall, m.onIncoming)
	s.On(protocol.EventIncomingGroupCall, m.onIncoming)
	s.On(protocol.EventCallAccepted, m.onAccepted)
	s.On(protocol.EventCallRejected, m.onRejected)
	s.On(protocol.EventCallEnded, m.onEnded)
	s.On(protocol.EventReceiveCallOffer, m.onOffer)
	s.On(protocol.EventReceiveCallAnswer, m.onAnswer)
	s.On(protocol.EventReceiveIceCandidate, m.onCandidate)
	s.On(protocol.EventUserJoinedGroupCall, m.onUserJoined)
	s.On(protocol.EventUserLeftGroupCall, m.onUserLeft)
	s.On(protocol.EventCallMediaStateChanged, m.onMediaState)
}

// Unbind removes the handlers installed by Bind.
func (m *Machine) Unbind() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	for _, kind := range []protocol.EventKind{
		protocol.EventIncomingCall, protocol.EventIncomingGroupCall,
		protocol.EventCallAccepted, protocol.EventCallRejected, protocol.EventCallEnded,
		protocol.EventReceiveCallOffer, protocol.EventReceiveCallAnswer, protocol.EventReceiveIceCandidate,
		protocol.EventUserJoinedGroupCall, protocol.EventUserLeftGroupCall, protocol.EventCallMediaStateChanged,
	} {
		s.Off(kind)
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the reason the last call ended abnormally, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Start places a call. Local media is acquired before anything is sent.
func (m *Machine) Start(ctx context.Context, out Outgoing) error {
	group := out.Group || len(out.MemberIDs) > 0

	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return ErrBusy
	}
	c := newActiveCall(out.CallType, group, true)
	c.remote = out.TargetUserID
	m.call = c
	m.state = Ringing
	m.err = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if err := m.acquire(ctx, c); err != nil {
		return err
	}

	raw, err := m.invoke(ctx, protocol.MethodInitiateCall, initiateArgs{
		ConversationID: out.ConversationID,
		CallType:       out.CallType,
		TargetUserID:   out.TargetUserID,
		Group:          out.Group,
		MemberIDs:      out.MemberIDs,
	})
	if err != nil {
		m.abort(c, Ended, err)
		return err
	}
	var view domain.CallView
	if err := json.Unmarshal(raw, &view); err != nil {
		m.abort(c, Ended, err)
		return fmt.Errorf("decode call: %w", err)
	}

	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		// hung up while the server was creating the call
		m.mu.Unlock()
		m.bestEffort(protocol.MethodEndCall, view.CallID, 0)
		return ErrNoCall
	}
	c.id = view.CallID
	c.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(c) })
	snap = m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil || m.state != IncomingRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	m.state = Connecting
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if err := m.acquire(ctx, c); err != nil {
		m.bestEffort(protocol.MethodRejectCall, c.id)
		return err
	}
	if c.isGroup {
		return m.joinGroup(ctx, c)
	}
	if _, err := m.invoke(ctx, protocol.MethodAnswerCall, c.id); err != nil {
		m.abort(c, Ended, err)
		return err
	}
	return nil
}

// JoinGroup enters an ongoing group call without having been rung, for
// example to rejoin after leaving.
func (m *Machine) JoinGroup(ctx context.Context, callID uuid.UUID, callType domain.CallType) error {
	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return ErrBusy
	}
	c := newActiveCall(callType, true, false)
	c.id = callID
	m.call = c
	m.state = Connecting
	m.err = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if err := m.acquire(ctx, c); err != nil {
		return err
	}
	return m.joinGroup(ctx, c)
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil || m.state != IncomingRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	release := m.finishLocked(Rejected, nil)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)

	_, err := m.invoke(ctx, protocol.MethodRejectCall, c.id)
	return err
}

// End hangs up. A ringing incoming call is rejected instead. In a group
// call only this device leaves; the call ends when the last one does.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil || !m.state.Active() {
		m.mu.Unlock()
		return ErrNoCall
	}
	if m.state == IncomingRinging {
		m.mu.Unlock()
		return m.Reject(ctx)
	}
	id, unanswered := c.id, m.state == Ringing
	duration := durationOf(c)
	release := m.finishLocked(Ended, nil)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)

	if id == uuid.Nil {
		// Start has not heard back yet and will end the call itself
		return nil
	}
	var err error
	if c.isGroup && !unanswered {
		_, err = m.invoke(ctx, protocol.MethodLeaveGroupCall, id)
	} else {
		_, err = m.invoke(ctx, protocol.MethodEndCall, id, duration)
	}
	return err
}

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (m *Machine) ToggleAudio() (bool, error) {
	return m.toggle(false)
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (m *Machine) ToggleVideo() (bool, error) {
	return m.toggle(true)
}

// toggle applies locally at once; peers learn of it asynchronously.
func (m *Machine) toggle(video bool) (bool, error) {
	m.mu.Lock()
	c := m.call
	if c == nil || !m.state.Active() || c.media == nil {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	var enabled bool
	if video {
		c.video = !c.video
		c.media.SetVideoEnabled(c.video)
		enabled = c.video
	} else {
		c.audio = !c.audio
		c.media.SetAudioEnabled(c.audio)
		enabled = c.audio
	}
	id, muted, videoOff := c.id, !c.audio, !c.video
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if id != uuid.Nil {
		go m.bestEffort(protocol.MethodUpdateMediaState, id, muted, videoOff)
	}
	return enabled, nil
}

// acquire attaches local media to c, ending c when the devices are unavailable.
func (m *Machine) acquire(ctx context.Context, c *activeCall) error {
	media, err := m.media.Acquire(ctx, c.callType)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		m.abort(c, Ended, err)
		return err
	}

	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		media.Release()
		return ErrNoCall
	}
	c.media = media
	media.SetAudioEnabled(c.audio)
	media.SetVideoEnabled(c.video)
	m.mu.Unlock()
	return nil
}

func (m *Machine) joinGroup(ctx context.Context, c *activeCall) error {
	raw, err := m.invoke(ctx, protocol.MethodJoinGroupCall, c.id)
	if err != nil {
		m.abort(c, Ended, err)
		return err
	}
	var present []domain.CallParticipant
	if err := json.Unmarshal(raw, &present); err != nil {
		m.abort(c, Ended, err)
		return fmt.Errorf("decode participants: %w", err)
	}

	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		return ErrNoCall
	}
	for _, p := range present {
		if p.UserID == m.self {
			continue
		}
		cp := p
		c.participants[p.UserID] = &cp
	}
	if len(c.participants) == 0 {
		m.state = Connected
		c.connectedAt = time.Now()
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	// joiners offer to everyone already present
	for _, p := range present {
		if p.UserID != m.self {
			m.offerTo(ctx, c, p.UserID)
		}
	}
	return nil
}

func (m *Machine) offerTo(ctx context.Context, c *activeCall, userID uuid.UUID) {
	peer, err := m.newPeer(c, userID)
	if err != nil {
		m.peerLost(c, userID, err)
		return
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		m.peerLost(c, userID, err)
		return
	}
	if _, err := m.invoke(ctx, protocol.MethodSendCallOffer, c.id, userID, offer); err != nil {
		m.log.Warn("Failed to send call offer",
			zap.String("call_id", c.id.String()),
			zap.String("to_user_id", userID.String()),
			zap.Error(err))
	}
}

// newPeer returns the peer for userID in c, creating it if needed.
func (m *Machine) newPeer(c *activeCall, userID uuid.UUID) (Peer, error) {
	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		return nil, ErrNoCall
	}
	if existing := c.peers[userID]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	media, callID := c.media, c.id
	m.mu.Unlock()

	peer, err := m.peers.NewPeer(userID, media, PeerEvents{
		OnICECandidate: func(candidate json.RawMessage) {
			m.bestEffort(protocol.MethodSendIceCandidate, callID, userID, candidate)
		},
		OnStateChange: func(state PeerState) {
			m.peerStateChanged(c, userID, state)
		},
		OnTrack: func(handle string) {
			m.streamArrived(c, userID, handle)
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		_ = peer.Close()
		return nil, ErrNoCall
	}
	if other := c.peers[userID]; other != nil {
		m.mu.Unlock()
		_ = peer.Close()
		return other, nil
	}
	c.peers[userID] = peer
	m.mu.Unlock()
	return peer, nil
}

func (m *Machine) peerLost(c *activeCall, userID uuid.UUID, err error) {
	m.log.Warn("Peer connection setup failed",
		zap.String("user_id", userID.String()),
		zap.Error(err))
	m.peerStateChanged(c, userID, PeerFailed)
}

func (m *Machine) peerStateChanged(c *activeCall, userID uuid.UUID, state PeerState) {
	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		return
	}

	switch state {
	case PeerConnected:
		if m.state == Connecting {
			m.state = Connected
			c.connectedAt = time.Now()
		}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snap)

	case PeerDisconnected, PeerFailed, PeerClosed:
		if c.isGroup {
			if _, ok := c.peers[userID]; !ok {
				m.mu.Unlock()
				return
			}
			peer := c.dropPeer(userID)
			delete(c.participants, userID)

			if m.state == Connecting && len(c.participants) == 0 {
				// nobody left to connect to
				release := m.finishLocked(Ended, fmt.Errorf("%w: %s", ErrPeerLost, state))
				snap := m.snapshotLocked()
				m.mu.Unlock()
				_ = peer.Close()
				release()
				m.notify(snap)
				m.bestEffort(protocol.MethodLeaveGroupCall, c.id)
				return
			}

			snap := m.snapshotLocked()
			m.mu.Unlock()
			_ = peer.Close()
			m.notify(snap)
			return
		}

		duration := durationOf(c)
		release := m.finishLocked(Ended, fmt.Errorf("%w: %s", ErrPeerLost, state))
		snap := m.snapshotLocked()
		m.mu.Unlock()
		release()
		m.notify(snap)
		m.bestEffort(protocol.MethodEndCall, c.id, duration)

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) streamArrived(c *activeCall, userID uuid.UUID, handle string) {
	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		return
	}
	c.participant(userID).StreamHandle = handle
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Machine) ringExpired(c *activeCall) {
	m.mu.Lock()
	if m.call != c || (m.state != Ringing && m.state != IncomingRinging) {
		m.mu.Unlock()
		return
	}
	var err error
	if c.outgoing {
		err = ErrNoAnswer
	}
	release := m.finishLocked(Ended, err)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)

	if c.outgoing {
		m.bestEffort(protocol.MethodEndCall, c.id, 0)
	}
}

// abort ends c locally if it is still the current call.
func (m *Machine) abort(c *activeCall, state State, err error) {
	m.mu.Lock()
	if m.call != c || !m.state.Active() {
		m.mu.Unlock()
		return
	}
	release := m.finishLocked(state, err)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)
}

// finishLocked moves to a terminal state and detaches the call's peers and
// media. The returned func closes them and must be called without mu held.
func (m *Machine) finishLocked(state State, err error) func() {
	m.state = state
	m.err = err
	c := m.call
	if c == nil {
		return func() {}
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	peers := c.peers
	media := c.media
	c.peers = make(map[uuid.UUID]Peer)
	c.media = nil

	return func() {
		for userID, peer := range peers {
			if err := peer.Close(); err != nil {
				m.log.Debug("Peer close failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
		if media != nil {
			media.Release()
		}
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state, Err: m.err}
	c := m.call
	if c == nil {
		return snap
	}
	snap.CallID = c.id
	snap.CallType = c.callType
	snap.IsGroup = c.isGroup
	snap.Outgoing = c.outgoing
	snap.RemoteID = c.remote
	snap.AudioEnabled = c.audio
	snap.VideoEnabled = c.video
	for _, p := range c.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].UserID.String() < snap.Participants[j].UserID.String()
	})
	return snap
}

func (m *Machine) notify(snap Snapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}

func (m *Machine) invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNotBound
	}
	ctx, cancel := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancel()
	return s.Invoke(ctx, method, args...)
}

// bestEffort invokes method detached from any caller context, logging failure.
func (m *Machine) bestEffort(method string, args ...any) {
	if _, err := m.invoke(context.Background(), method, args...); err != nil {
		m.log.Warn("Call signaling failed", zap.String("method", method), zap.Error(err))
	}
}

func durationOf(c *activeCall) int {
	if c.connectedAt.IsZero() {
		return 0
	}
	return int(time.Since(c.connectedAt).Seconds())
}
