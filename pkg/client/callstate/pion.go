package callstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"chatcore-backend/internal/domain"
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// TrackSource is implemented by LocalMedia that can feed pion peers.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// PionPeerFactory builds peers on github.com/pion/webrtc/v4.
type PionPeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionPeerFactory registers the default codecs and interceptors. STUN
// defaults to Google's public server when iceServers is empty.
func NewPionPeerFactory(iceServers []webrtc.ICEServer) (*PionPeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// disconnected is reported after 30s without traffic, failed after two minutes
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	if len(iceServers) == 0 {
		iceServers = defaultICEServers
	}
	return &PionPeerFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

func (f *PionPeerFactory) NewPeer(remoteID uuid.UUID, local LocalMedia, events PeerEvents) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("peer connection to %s: %w", remoteID, err)
	}

	var tracks []webrtc.TrackLocal
	if src, ok := local.(TrackSource); ok {
		tracks = src.Tracks()
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	if len(tracks) == 0 {
		// nothing to send; still negotiate receiving both kinds
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err == nil {
			events.OnICECandidate(data)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if events.OnStateChange != nil {
			events.OnStateChange(peerState(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnTrack != nil {
			events.OnTrack(track.StreamID())
		}
	})
	return &pionPeer{pc: pc}, nil
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerConnecting
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionPeer) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionPeer) AcceptAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) AddICECandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// SampleMedia is LocalMedia backed by pion sample tracks. A capture pipeline
// feeds it encoded samples; samples of a disabled kind are dropped.
type SampleMedia struct {
	audio    *webrtc.TrackLocalStaticSample
	video    *webrtc.TrackLocalStaticSample
	audioOn  atomic.Bool
	videoOn  atomic.Bool
	released atomic.Bool
}

// NewSampleMedia creates an Opus track, plus a VP8 track for video calls.
func NewSampleMedia(streamID string, callType domain.CallType) (*SampleMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	m := &SampleMedia{audio: audio}
	m.audioOn.Store(true)

	if callType == domain.CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
		m.video = video
		m.videoOn.Store(true)
	}
	return m, nil
}

func (m *SampleMedia) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *SampleMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }
func (m *SampleMedia) SetVideoEnabled(enabled bool) { m.videoOn.Store(enabled) }
func (m *SampleMedia) Release()                     { m.released.Store(true) }

func (m *SampleMedia) AudioEnabled() bool { return m.audioOn.Load() }
func (m *SampleMedia) VideoEnabled() bool { return m.video != nil && m.videoOn.Load() }

func (m *SampleMedia) WriteAudio(s media.Sample) error {
	if m.released.Load() || !m.audioOn.Load() {
		return nil
	}
	return m.audio.WriteSample(s)
}

func (m *SampleMedia) WriteVideo(s media.Sample) error {
	if m.video == nil || m.released.Load() || !m.videoOn.Load() {
		return nil
	}
	return m.video.WriteSample(s)
}

// SampleMediaSource hands out SampleMedia. Capture, when set, starts feeding
// it; a capture error means the devices are unavailable.
type SampleMediaSource struct {
	StreamID string
	Capture  func(ctx context.Context, m *SampleMedia) error
}

func (s SampleMediaSource) Acquire(ctx context.Context, callType domain.CallType) (LocalMedia, error) {
	m, err := NewSampleMedia(s.StreamID, callType)
	if err != nil {
		return nil, err
	}
	if s.Capture != nil {
		if err := s.Capture(ctx, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
