// Package meshtest provides in-memory doubles for driving a mesh.Coordinator
// in tests: scripted media peers, a recording signaler and a manual clock.
package meshtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/mesh"
)

var ErrInjected = errors.New("injected failure")

// Factory builds fake media peers and remembers every one of them.
type Factory struct {
	mu    sync.Mutex
	peers map[string][]*Peer
	total int

	// NoRestart makes new peers hide their RestartICE method.
	NoRestart bool
	// Fail makes NewPeer return ErrInjected.
	Fail bool
}

func NewFactory() *Factory {
	return &Factory{peers: make(map[string][]*Peer)}
}

func (f *Factory) NewPeer(cfg mesh.PeerConfig) (mesh.MediaPeer, error) {
	f.mu.Lock()
	if f.Fail {
		f.mu.Unlock()
		return nil, ErrInjected
	}
	f.total++
	p := &Peer{cfg: cfg, seq: f.total}
	f.peers[cfg.PeerID] = append(f.peers[cfg.PeerID], p)
	noRestart := f.NoRestart
	f.mu.Unlock()

	if cfg.Initiator {
		p.emit(mesh.PeerEvent{Kind: mesh.EventSignal, Signal: p.sdp("offer")})
	}

	if noRestart {
		return plainPeer{p}, nil
	}
	return p, nil
}

func (f *Factory) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail = fail
}

// Created is the number of peers built so far.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Peers returns every peer built for peerID, oldest first.
func (f *Factory) Peers(peerID string) []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers[peerID]...)
}

// Last returns the most recent peer built for peerID.
func (f *Factory) Last(peerID string) *Peer {
	peers := f.Peers(peerID)
	if len(peers) == 0 {
		return nil
	}
	return peers[len(peers)-1]
}

// Peer is a scripted media peer. Tests drive its transport side with
// Connect, Fail, AddStream and friends.
type Peer struct {
	cfg mesh.PeerConfig
	seq int

	mu         sync.Mutex
	signals    []json.RawMessage
	candidates []json.RawMessage
	restarts   int
	closed     bool
}

func (p *Peer) PeerID() string  { return p.cfg.PeerID }
func (p *Peer) Initiator() bool { return p.cfg.Initiator }

func (p *Peer) Signal(payload json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer closed")
	}
	p.signals = append(p.signals, payload)
	p.mu.Unlock()

	if !p.cfg.Initiator {
		p.emit(mesh.PeerEvent{Kind: mesh.EventSignal, Signal: p.sdp("answer")})
	}
	return nil
}

func (p *Peer) AddCandidate(payload json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, payload)
	return nil
}

func (p *Peer) RestartICE() error {
	p.mu.Lock()
	if !p.cfg.Initiator {
		p.mu.Unlock()
		return mesh.ErrRestartUnsupported
	}
	p.restarts++
	p.mu.Unlock()

	p.emit(mesh.PeerEvent{Kind: mesh.EventSignal, Signal: p.sdp("offer")})
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Signals() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.signals...)
}

func (p *Peer) Candidates() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.candidates...)
}

func (p *Peer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *Peer) SetState(state mesh.TransportState) {
	p.emit(mesh.PeerEvent{Kind: mesh.EventStateChanged, State: state})
}

func (p *Peer) Connect()    { p.SetState(mesh.TransportConnected) }
func (p *Peer) Fail()       { p.SetState(mesh.TransportFailed) }
func (p *Peer) Disconnect() { p.SetState(mesh.TransportDisconnected) }

func (p *Peer) AddStream(streamID string) {
	p.emit(mesh.PeerEvent{Kind: mesh.EventStream, StreamID: streamID})
}

func (p *Peer) EmitCandidate(candidate string) {
	raw, _ := json.Marshal(map[string]string{"candidate": candidate})
	p.emit(mesh.PeerEvent{Kind: mesh.EventCandidate, Candidate: raw})
}

func (p *Peer) EmitError(err error) {
	p.emit(mesh.PeerEvent{Kind: mesh.EventError, Err: err})
}

// ConnectWithStream reports a connected transport carrying one stream.
func (p *Peer) ConnectWithStream() {
	p.Connect()
	p.AddStream(fmt.Sprintf("stream-%s-%d", p.cfg.PeerID, p.seq))
}

func (p *Peer) emit(ev mesh.PeerEvent) {
	if p.cfg.Emit != nil {
		p.cfg.Emit(ev)
	}
}

func (p *Peer) sdp(kind string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"type": kind,
		"sdp":  fmt.Sprintf("fake-%s-%s-%d", kind, p.cfg.PeerID, p.seq),
	})
	return raw
}

// plainPeer is a Peer without ICE restart support.
type plainPeer struct{ p *Peer }

func (pp plainPeer) Signal(payload json.RawMessage) error       { return pp.p.Signal(payload) }
func (pp plainPeer) AddCandidate(payload json.RawMessage) error { return pp.p.AddCandidate(payload) }
func (pp plainPeer) Close() error                               { return pp.p.Close() }

// Signaler records every envelope sent to the relay.
type Signaler struct {
	mu   sync.Mutex
	sent []domain.SignalMessage
	// OnSend, when set, is called with every envelope after it is recorded.
	OnSend func(domain.SignalMessage)
}

func (s *Signaler) Send(msg domain.SignalMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	onSend := s.OnSend
	s.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (s *Signaler) Sent() []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SignalMessage(nil), s.sent...)
}

func (s *Signaler) OfType(typ string) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, msg := range s.Sent() {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (s *Signaler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// Clock is a manual mesh.Scheduler. Timers fire only from Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*clockTimer
}

type clockTimer struct {
	clock   *Clock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) mesh.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &clockTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *clockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and fires every timer that came due,
// in deadline order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*clockTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that are armed and not yet fired.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Media is a MediaAcquirer whose acquisitions block until Release.
type Media struct {
	mu      sync.Mutex
	release chan struct{}
	err     error
	calls   int
}

func NewMedia(err error) *Media {
	return &Media{release: make(chan struct{}), err: err}
}

func (m *Media) Acquire(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	release := m.release
	m.mu.Unlock()

	select {
	case <-release:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Media) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.release)
}

func (m *Media) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
