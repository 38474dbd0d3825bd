package callstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/protocol"
)

// maxQueuedCandidates bounds the candidates held for one remote party.
const maxQueuedCandidates = 64

func (m *Machine) decode(kind protocol.EventKind, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.log.Warn("Dropping malformed call event", zap.Stringer("event", kind), zap.Error(err))
		return false
	}
	return true
}

// current returns the active call with id, or nil. Requires mu.
func (m *Machine) current(id uuid.UUID) *activeCall {
	if m.call == nil || m.call.id != id || !m.state.Active() {
		return nil
	}
	return m.call
}

func (m *Machine) onIncoming(data json.RawMessage) {
	var p domain.IncomingCallPayload
	if !m.decode(protocol.EventIncomingCall, data, &p) {
		return
	}

	m.mu.Lock()
	if m.state.Active() {
		busy := m.call == nil || m.call.id != p.CallID
		m.mu.Unlock()
		if busy {
			// the caller's ring timer or another device settles it
			m.log.Info("Ignoring incoming call while busy", zap.String("call_id", p.CallID.String()))
		}
		return
	}
	c := newActiveCall(p.CallType, p.IsGroup, false)
	c.id = p.CallID
	c.remote = p.CallerID
	c.participant(p.CallerID).DisplayName = p.CallerName
	m.call = c
	m.state = IncomingRinging
	m.err = nil
	c.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(c) })
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Machine) onAccepted(data json.RawMessage) {
	var p domain.CallAcceptedPayload
	if !m.decode(protocol.EventCallAccepted, data, &p) {
		return
	}

	m.mu.Lock()
	c := m.current(p.CallID)
	switch {
	case c == nil:
		m.mu.Unlock()

	case c.outgoing && !c.isGroup && m.state == Ringing:
		if c.ringTimer != nil {
			c.ringTimer.Stop()
		}
		m.state = Connecting
		c.remote = p.ReceiverID
		c.participant(p.ReceiverID)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snap)
		// the caller offers once the callee has media ready
		m.offerTo(context.Background(), c, p.ReceiverID)

	case !c.outgoing && m.state == IncomingRinging && p.ReceiverID == m.self:
		// answered on another of this user's devices
		release := m.finishLocked(Ended, nil)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		release()
		m.notify(snap)

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) onRejected(data json.RawMessage) {
	var p domain.CallRejectedPayload
	if !m.decode(protocol.EventCallRejected, data, &p) {
		return
	}

	m.mu.Lock()
	c := m.current(p.CallID)
	// group calls stay pending until every invitee declined
	if c == nil || !c.outgoing || p.Status != domain.CallStatusRejected {
		m.mu.Unlock()
		return
	}
	release := m.finishLocked(Rejected, nil)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)
}

func (m *Machine) onEnded(data json.RawMessage) {
	var p domain.CallEndedPayload
	if !m.decode(protocol.EventCallEnded, data, &p) {
		return
	}

	m.mu.Lock()
	if m.current(p.CallID) == nil {
		m.mu.Unlock()
		return
	}
	release := m.finishLocked(Ended, nil)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	release()
	m.notify(snap)
}

// signalTarget resolves the call a signal belongs to. In a 1:1 call only the
// other party may signal.
func (m *Machine) signalTarget(p *domain.SignalPayload) *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.current(p.CallID)
	if c == nil || m.state == IncomingRinging {
		return nil
	}
	if !c.isGroup && p.FromUserID != c.remote {
		return nil
	}
	return c
}

func (m *Machine) onOffer(data json.RawMessage) {
	var p domain.SignalPayload
	if !m.decode(protocol.EventReceiveCallOffer, data, &p) {
		return
	}
	c := m.signalTarget(&p)
	if c == nil {
		return
	}

	peer, err := m.newPeer(c, p.FromUserID)
	if err != nil {
		m.peerLost(c, p.FromUserID, err)
		return
	}
	answer, err := peer.AcceptOffer(p.Payload)
	if err != nil {
		m.peerLost(c, p.FromUserID, err)
		return
	}
	m.flushCandidates(c, p.FromUserID, peer)
	m.bestEffort(protocol.MethodSendCallAnswer, c.id, p.FromUserID, answer)
}

func (m *Machine) onAnswer(data json.RawMessage) {
	var p domain.SignalPayload
	if !m.decode(protocol.EventReceiveCallAnswer, data, &p) {
		return
	}
	c := m.signalTarget(&p)
	if c == nil {
		return
	}
	peer := m.peerFor(c, p.FromUserID)
	if peer == nil {
		return
	}
	if err := peer.AcceptAnswer(p.Payload); err != nil {
		m.peerLost(c, p.FromUserID, err)
		return
	}
	m.flushCandidates(c, p.FromUserID, peer)
}

func (m *Machine) onCandidate(data json.RawMessage) {
	var p domain.SignalPayload
	if !m.decode(protocol.EventReceiveIceCandidate, data, &p) {
		return
	}
	c := m.signalTarget(&p)
	if c == nil {
		return
	}
	if peer := m.describedPeer(c, p.FromUserID, p.Payload); peer != nil {
		m.addCandidate(peer, p.FromUserID, p.Payload)
	}
}

// describedPeer returns userID's peer once it has the remote description.
// Until then candidate is queued and nil is returned.
func (m *Machine) describedPeer(c *activeCall, userID uuid.UUID, candidate json.RawMessage) Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != c {
		return nil
	}
	if peer := c.peers[userID]; peer != nil && c.described[userID] {
		return peer
	}
	if len(c.candidates[userID]) >= maxQueuedCandidates {
		m.log.Debug("Dropping candidate, queue full", zap.String("from_user_id", userID.String()))
		return nil
	}
	c.candidates[userID] = append(c.candidates[userID], candidate)
	return nil
}

// flushCandidates marks peer as described and applies what was queued for it.
func (m *Machine) flushCandidates(c *activeCall, userID uuid.UUID, peer Peer) {
	m.mu.Lock()
	if m.call != c || c.peers[userID] != peer {
		m.mu.Unlock()
		return
	}
	c.described[userID] = true
	queued := c.candidates[userID]
	delete(c.candidates, userID)
	m.mu.Unlock()

	for _, candidate := range queued {
		m.addCandidate(peer, userID, candidate)
	}
}

func (m *Machine) addCandidate(peer Peer, userID uuid.UUID, candidate json.RawMessage) {
	if err := peer.AddICECandidate(candidate); err != nil {
		m.log.Warn("Rejected ICE candidate", zap.String("from_user_id", userID.String()), zap.Error(err))
	}
}

func (m *Machine) peerFor(c *activeCall, userID uuid.UUID) Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != c {
		return nil
	}
	return c.peers[userID]
}

func (m *Machine) onUserJoined(data json.RawMessage) {
	var p domain.GroupMemberPayload
	if !m.decode(protocol.EventUserJoinedGroupCall, data, &p) {
		return
	}

	m.mu.Lock()
	c := m.current(p.CallID)
	if c == nil || !c.isGroup || p.UserID == m.self {
		m.mu.Unlock()
		return
	}
	c.participant(p.UserID).DisplayName = p.DisplayName
	if m.state == Ringing {
		// first invitee joined; the joiner sends the offer
		if c.ringTimer != nil {
			c.ringTimer.Stop()
		}
		m.state = Connecting
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Machine) onUserLeft(data json.RawMessage) {
	var p domain.GroupMemberPayload
	if !m.decode(protocol.EventUserLeftGroupCall, data, &p) {
		return
	}

	m.mu.Lock()
	c := m.current(p.CallID)
	if c == nil || !c.isGroup {
		m.mu.Unlock()
		return
	}
	peer := c.dropPeer(p.UserID)
	delete(c.participants, p.UserID)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	m.notify(snap)
}

func (m *Machine) onMediaState(data json.RawMessage) {
	var p domain.MediaStatePayload
	if !m.decode(protocol.EventCallMediaStateChanged, data, &p) {
		return
	}

	m.mu.Lock()
	c := m.current(p.CallID)
	if c == nil || p.UserID == m.self {
		m.mu.Unlock()
		return
	}
	part := c.participant(p.UserID)
	part.AudioEnabled = !p.Muted
	part.VideoEnabled = !p.VideoOff
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}
