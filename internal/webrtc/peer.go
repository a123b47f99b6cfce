// Package webrtc implements mesh media peers on top of pion/webrtc.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/mesh"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	pion "github.com/pion/webrtc/v3"
)

var (
	ErrRestartUnsupported = mesh.ErrRestartUnsupported
	ErrUnexpectedSignal   = errors.New("unexpected signal")
	ErrPeerClosed         = errors.New("peer closed")
	ErrDTLSFailed         = errors.New("dtls transport failed")
)

// maxPendingCandidates caps candidates buffered before the remote
// description is known.
const maxPendingCandidates = 64

type Config struct {
	STUNServers []string
	Logger      *slog.Logger
}

// Factory builds pion peer connections that share one media source.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	media  MediaSource
	log    *slog.Logger
}

func NewFactory(cfg Config, media MediaSource) (*Factory, error) {
	const op = "webrtc.NewFactory"

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if media == nil {
		media = NoMedia()
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var servers []pion.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: cfg.STUNServers})
	}

	return &Factory{
		api:    pion.NewAPI(pion.WithMediaEngine(m)),
		config: pion.Configuration{ICEServers: servers},
		media:  media,
		log:    cfg.Logger,
	}, nil
}

func (f *Factory) NewPeer(cfg mesh.PeerConfig) (mesh.MediaPeer, error) {
	const op = "webrtc.Factory.NewPeer"

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p := &Peer{
		pc:        pc,
		initiator: cfg.Initiator,
		emit:      cfg.Emit,
		log:       f.log.With(slog.String("peer_id", cfg.PeerID)),
	}
	if p.emit == nil {
		p.emit = func(mesh.PeerEvent) {}
	}

	tracks := f.media.Tracks()
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%s: add track: %w", op, err)
		}
		go drainRTCP(sender)
	}
	if len(tracks) == 0 && cfg.Initiator {
		// Still offer to receive audio so the remote side can send.
		if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%s: add transceiver: %w", op, err)
		}
	}

	p.wire()

	if cfg.Initiator {
		if err := p.offer(false); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return p, nil
}

// Peer wraps one pion PeerConnection. Local signals, candidates, state
// changes and inbound tracks are reported through emit.
type Peer struct {
	pc        *pion.PeerConnection
	initiator bool
	emit      func(mesh.PeerEvent)
	log       *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []pion.ICECandidateInit
	closed    bool
}

func (p *Peer) wire() {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.emit(mesh.PeerEvent{Kind: mesh.EventCandidate, Candidate: raw})
	})

	p.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.log.Debug("peer connection state", slog.String("state", s.String()))
		if s == pion.PeerConnectionStateClosed {
			// A local Close is already known to the coordinator.
			if !p.isClosed() {
				p.emit(mesh.PeerEvent{Kind: mesh.EventClosed})
			}
			return
		}
		p.emit(mesh.PeerEvent{Kind: mesh.EventStateChanged, State: transportState(s)})
	})

	p.pc.SCTP().Transport().OnStateChange(func(s pion.DTLSTransportState) {
		if s != pion.DTLSTransportStateFailed || p.isClosed() {
			return
		}
		p.log.Warn("dtls transport failed")
		p.emit(mesh.PeerEvent{Kind: mesh.EventError, Err: ErrDTLSFailed})
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.log.Info("remote track",
			slog.String("kind", track.Kind().String()),
			slog.String("stream_id", track.StreamID()),
		)
		p.emit(mesh.PeerEvent{Kind: mesh.EventStream, StreamID: track.StreamID()})
		go drainTrack(track)
	})
}

func (p *Peer) Signal(payload json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedSignal, err)
	}
	if p.isClosed() {
		return ErrPeerClosed
	}

	switch desc.Type {
	case pion.SDPTypeOffer:
		if p.initiator {
			return fmt.Errorf("%w: offer on initiator", ErrUnexpectedSignal)
		}
		if err := p.setRemote(desc); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		return p.emitLocal()
	case pion.SDPTypeAnswer:
		if !p.initiator {
			return fmt.Errorf("%w: answer on responder", ErrUnexpectedSignal)
		}
		return p.setRemote(desc)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedSignal, desc.Type)
	}
}

// AddCandidate applies a remote candidate, buffering it until the remote
// description has been set.
func (p *Peer) AddCandidate(payload json.RawMessage) error {
	var c pion.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if !p.remoteSet {
		if len(p.pending) < maxPendingCandidates {
			p.pending = append(p.pending, c)
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(c)
}

// RestartICE renegotiates with fresh ICE credentials. Only the initiator
// drives renegotiation.
func (p *Peer) RestartICE() error {
	if !p.initiator {
		return ErrRestartUnsupported
	}
	if p.pc.SignalingState() != pion.SignalingStateStable {
		return fmt.Errorf("ice restart: signaling state %s", p.pc.SignalingState())
	}
	return p.offer(true)
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	return p.pc.Close()
}

func (p *Peer) offer(restart bool) error {
	var opts *pion.OfferOptions
	if restart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.emitLocal()
}

func (p *Peer) setRemote(desc pion.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Debug("buffered candidate rejected", sl.Err(err))
		}
	}
	return nil
}

func (p *Peer) emitLocal() error {
	raw, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	p.emit(mesh.PeerEvent{Kind: mesh.EventSignal, Signal: raw})
	return nil
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func transportState(s pion.PeerConnectionState) mesh.TransportState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return mesh.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return mesh.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return mesh.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return mesh.TransportFailed
	case pion.PeerConnectionStateClosed:
		return mesh.TransportClosed
	default:
		return mesh.TransportNew
	}
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
