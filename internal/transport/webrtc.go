package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/hwencode/internal/logging"
)

// ErrPublisherStopped is returned for offers after Stop.
var ErrPublisherStopped = errors.New("publisher stopped")

// WebRTCConfig holds configuration for WebRTC connections.
type WebRTCConfig struct {
	// ICEServers for STUN/TURN (empty for LAN-only)
	ICEServers []pion.ICEServer
}

type peer struct {
	pc    *pion.PeerConnection
	track *pion.TrackLocalStaticRTP
}

// Publisher serves one encoded stream to any number of WebRTC peers. Each
// peer gets its own track attached to the shared Sink.
type Publisher struct {
	streamID string
	sink     *Sink
	feedback *Feedback
	config   WebRTCConfig
	logger   logging.Logger

	mu      sync.RWMutex
	peers   map[string]*peer
	stopped bool
}

// NewPublisher creates a publisher for streamID.
func NewPublisher(streamID string, sink *Sink, fb *Feedback, config WebRTCConfig, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.GetLogger("transport")
	}
	return &Publisher{
		streamID: streamID,
		sink:     sink,
		feedback: fb,
		config:   config,
		logger:   logger,
		peers:    make(map[string]*peer),
	}
}

// StreamID returns the published stream's identifier.
func (m *Publisher) StreamID() string {
	return m.streamID
}

// CreateConsumer takes an SDP offer from a browser and returns the answer
// once ICE gathering is complete.
func (m *Publisher) CreateConsumer(offer string) (string, error) {
	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return "", ErrPublisherStopped
	}

	api, err := NewWebRTCAPI(m.feedback)
	if err != nil {
		return "", fmt.Errorf("create webrtc api: %w", err)
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers: m.config.ICEServers,
	})
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticRTP(pion.RTPCodecCapability{
		MimeType:    pion.MimeTypeH264,
		ClockRate:   H264ClockRate,
		SDPFmtpLine: H264FmtpLine,
	}, "video", m.streamID)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("create track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("add track: %w", err)
	}

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("set offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("set answer: %w", err)
	}
	<-gathered

	peerID := uuid.NewString()
	m.mu.Lock()
	m.peers[peerID] = &peer{pc: pc, track: track}
	peerCount := len(m.peers)
	m.mu.Unlock()

	SetActivePeers(m.streamID, peerCount)
	m.logger.Debug("WebRTC consumer created", "stream_id", m.streamID, "peer_id", peerID, "total_peers", peerCount)

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		switch state {
		case pion.PeerConnectionStateConnected:
			m.sink.AddWriter(peerID, track)
			m.feedback.RequestKeyFrame()

			// Interceptors only see RTCP while someone drains the sender.
			go func() {
				for {
					if _, _, readErr := sender.ReadRTCP(); readErr != nil {
						return
					}
				}
			}()
		case pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed:
			m.removePeer(peerID, state.String())
		}
	})

	return pc.LocalDescription().SDP, nil
}

func (m *Publisher) removePeer(peerID, reason string) {
	m.sink.RemoveWriter(peerID)

	m.mu.Lock()
	p, ok := m.peers[peerID]
	delete(m.peers, peerID)
	remaining := len(m.peers)
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = p.pc.Close()
	SetActivePeers(m.streamID, remaining)
	m.logger.Debug("WebRTC consumer disconnected", "peer_id", peerID, "stream_id", m.streamID, "state", reason, "remaining_peers", remaining)
}

// PeerCount returns the number of active WebRTC peers.
func (m *Publisher) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Stop closes all peer connections and rejects further offers.
func (m *Publisher) Stop() {
	m.mu.Lock()
	m.stopped = true
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.mu.Unlock()

	for id, p := range peers {
		m.sink.RemoveWriter(id)
		_ = p.pc.Close()
	}
	SetActivePeers(m.streamID, 0)
}
