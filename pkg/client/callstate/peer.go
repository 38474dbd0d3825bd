package callstate

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
)

// MediaSource acquires the local microphone and camera
type MediaSource interface {
	Acquire(ctx context.Context, callType domain.CallType) (LocalMedia, error)
}

// LocalMedia is the captured local stream shared by every peer of a call.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Release()
}

// PeerState mirrors the peer connection state
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// PeerEvents are invoked from the peer's own goroutines
type PeerEvents struct {
	OnICECandidate func(candidate json.RawMessage)
	OnStateChange  func(state PeerState)
	// OnTrack reports the stream handle of remote media
	OnTrack func(streamHandle string)
}

// Peer is one peer connection to a remote participant. Offers, answers and
// candidates are opaque JSON relayed through the coordinator.
type Peer interface {
	CreateOffer() (json.RawMessage, error)
	AcceptOffer(offer json.RawMessage) (answer json.RawMessage, err error)
	AcceptAnswer(answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// PeerFactory creates peers sending media to remoteID
type PeerFactory interface {
	NewPeer(remoteID uuid.UUID, media LocalMedia, events PeerEvents) (Peer, error)
}
