package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type PeerStatus string

const (
	PeerStatusConnected    PeerStatus = "connected"
	PeerStatusDisconnected PeerStatus = "disconnected"
)

// Peer is the relay's handle on one live signaling connection. Outbound
// envelopes are queued on Events and written by a single writer goroutine,
// which keeps per-connection delivery in order.
type Peer struct {
	ID       string
	JoinedAt time.Time
	LastSeen time.Time
	Status   PeerStatus
	Mutex    sync.RWMutex
	Events   chan SignalMessage

	closeOnce sync.Once
}

func NewPeer(buffer int) *Peer {
	if buffer <= 0 {
		buffer = 16
	}
	now := time.Now().UTC()
	return &Peer{
		ID:       uuid.New().String(),
		JoinedAt: now,
		LastSeen: now,
		Status:   PeerStatusConnected,
		Events:   make(chan SignalMessage, buffer),
	}
}

func (p *Peer) Touch() {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	p.LastSeen = time.Now().UTC()
}

// EnqueueEvent queues event for delivery. It returns false if the peer is
// closed or its queue is full, in which case the event is dropped.
func (p *Peer) EnqueueEvent(event SignalMessage) bool {
	p.Mutex.RLock()
	defer p.Mutex.RUnlock()
	if p.Status == PeerStatusDisconnected {
		return false
	}
	select {
	case p.Events <- event:
		return true
	default:
		return false
	}
}

// Close marks the peer disconnected and closes Events so the writer exits.
// It is safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.Mutex.Lock()
		p.Status = PeerStatusDisconnected
		close(p.Events)
		p.Mutex.Unlock()
	})
}
