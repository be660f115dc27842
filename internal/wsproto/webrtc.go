package wsproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/socket"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// dataChannelLabel is the single ordered, reliable data channel each peer
// connection negotiates for the AudioCloud client protocol (spec §4.9's
// "preferring WebRTC over WebSocket" path).
const dataChannelLabel = "audiocloud"

// rtcTransport adapts a pion DataChannel to socket.Transport.
type rtcTransport struct {
	dc *webrtc.DataChannel
}

func (t *rtcTransport) Kind() socket.TransportKind { return socket.TransportWebRTC }

func (t *rtcTransport) Send(enc wireformat.Encoding, msg wireformat.ServerMessage) error {
	data, err := wireformat.Marshal(enc, msg)
	if err != nil {
		return err
	}
	return t.dc.Send(data)
}

func (t *rtcTransport) Close() error {
	return t.dc.Close()
}

// Broker implements socket.PeerConnectionBroker atop pion/webrtc, one
// RTCPeerConnection per negotiated socket.
type Broker struct {
	registry SocketRegistry
	config   webrtc.Configuration
	log      zerolog.Logger

	mu    sync.Mutex
	peers map[domain.SocketId]*webrtc.PeerConnection
}

// NewBroker builds a Broker using the given ICE servers (STUN/TURN URLs),
// mirroring the minimal webrtc.Configuration shape pion's own examples use.
func NewBroker(registry SocketRegistry, iceServers []string, log zerolog.Logger) *Broker {
	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: iceServers})
	}
	return &Broker{
		registry: registry,
		config:   webrtc.Configuration{ICEServers: servers},
		log:      log,
		peers:    make(map[domain.SocketId]*webrtc.PeerConnection),
	}
}

// SetRegistry completes construction when the registry (socket.Supervisor)
// can only be built after the Broker it depends on — see cmd/domaind's
// wiring, which resolves the same ordering with socket.Supervisor itself.
func (b *Broker) SetRegistry(registry SocketRegistry) {
	b.registry = registry
}

// CreatePeerConnection implements socket.PeerConnectionBroker: accepts a
// client SDP offer, answers it, and registers the resulting data channel
// as a socket once it opens.
func (b *Broker) CreatePeerConnection(ctx context.Context, sdpOffer string) (string, domain.SocketId, error) {
	pc, err := webrtc.NewPeerConnection(b.config)
	if err != nil {
		return "", "", fmt.Errorf("wsproto: new peer connection: %w", err)
	}

	id := domain.SocketId(uuid.NewString())

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		transport := &rtcTransport{dc: dc}
		dc.OnOpen(func() {
			b.registry.RegisterSocket(id, transport)
			b.log.Debug().Str("socket", string(id)).Msg("wsproto: webrtc data channel open")
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			enc := wireformat.JSON
			if !msg.IsString {
				enc = wireformat.MsgPack
			}
			b.registry.SocketReceived(ctx, id, msg.Data, enc)
		})
		dc.OnClose(func() {
			b.registry.Unregister(id)
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			b.registry.Unregister(id)
			b.removePeer(id)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("wsproto: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("wsproto: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("wsproto: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return "", "", ctx.Err()
	}

	b.mu.Lock()
	b.peers[id] = pc
	b.mu.Unlock()

	return pc.LocalDescription().SDP, id, nil
}

// SubmitCandidate implements socket.PeerConnectionBroker: applies a
// trickled ICE candidate to the peer connection identified by rtcSocketId.
func (b *Broker) SubmitCandidate(rtcSocketId domain.SocketId, iceCandidate string) error {
	b.mu.Lock()
	pc, ok := b.peers[rtcSocketId]
	b.mu.Unlock()
	if !ok {
		return domain.NewSocketNotFound(rtcSocketId)
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(iceCandidate), &init); err != nil {
		init = webrtc.ICECandidateInit{Candidate: iceCandidate}
	}
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("wsproto: add ice candidate: %w", err)
	}
	return nil
}

func (b *Broker) removePeer(id domain.SocketId) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
}
