package mesh

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

var ErrRestartUnsupported = errors.New("ice restart not supported")

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// TransportState is the connection state reported by a MediaPeer.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

type PeerEventKind int

const (
	// EventSignal carries a local offer or answer for the remote side.
	EventSignal PeerEventKind = iota
	// EventCandidate carries a local ICE candidate for the remote side.
	EventCandidate
	EventStateChanged
	EventStream
	EventError
	EventClosed
)

func (k PeerEventKind) String() string {
	switch k {
	case EventSignal:
		return "signal"
	case EventCandidate:
		return "candidate"
	case EventStateChanged:
		return "state"
	case EventStream:
		return "stream"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerEvent is everything a MediaPeer reports upward. Only the fields that
// belong to Kind are set.
type PeerEvent struct {
	Kind      PeerEventKind
	Signal    json.RawMessage
	Candidate json.RawMessage
	State     TransportState
	StreamID  string
	Err       error
}

// MediaPeer is one media connection to a remote participant. Payloads are
// opaque to the mesh. Implementations report asynchronously through the
// PeerConfig.Emit callback and must not block in it.
type MediaPeer interface {
	// Signal applies a remote offer or answer. A responder answers every
	// offer it is given with an EventSignal.
	Signal(payload json.RawMessage) error
	AddCandidate(payload json.RawMessage) error
	Close() error
}

// ICERestarter is implemented by media peers that can restart ICE in place.
// A successful restart is followed by an EventSignal carrying the new offer.
type ICERestarter interface {
	RestartICE() error
}

type PeerConfig struct {
	PeerID string
	// Initiator peers emit an offer on their own once created.
	Initiator bool
	Emit      func(PeerEvent)
}

type PeerFactory interface {
	NewPeer(cfg PeerConfig) (MediaPeer, error)
}

// Signaler delivers envelopes to the relay.
type Signaler interface {
	Send(msg domain.SignalMessage) error
}

// MediaAcquirer prepares local capture before a room is joined.
type MediaAcquirer interface {
	Acquire(ctx context.Context) error
}
