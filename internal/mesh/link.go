package mesh

type LinkState string

const (
	StateNegotiating  LinkState = "negotiating"
	StateConnected    LinkState = "connected"
	StateFailed       LinkState = "failed"
	StateDisconnected LinkState = "disconnected"
	StateRecovering   LinkState = "recovering"
	StateClosed       LinkState = "closed"
)

// transitions lists the states reachable from each state. negotiating is
// only ever entered on creation and closed is terminal.
var transitions = map[LinkState][]LinkState{
	StateNegotiating:  {StateConnected, StateFailed, StateDisconnected, StateRecovering, StateClosed},
	StateConnected:    {StateFailed, StateDisconnected, StateRecovering, StateClosed},
	StateFailed:       {StateRecovering, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateRecovering, StateClosed},
	StateRecovering:   {StateConnected, StateFailed, StateDisconnected, StateClosed},
	StateClosed:       nil,
}

func canTransition(from, to LinkState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// link is the coordinator's record of one remote participant. It is only
// touched from the coordinator loop.
type link struct {
	peerID   string
	username string
	role     Role
	gen      uint64
	state    LinkState

	// peer is nil while a recreation is pending.
	peer    MediaPeer
	streams map[string]struct{}

	// answered is set once an initiator has applied the remote answer.
	answered bool
	// restarted is set after an ICE restart and cleared on reconnection,
	// so a second failure in a row escalates to recreation.
	restarted bool
	// restarting marks the next outbound offer as an ICE restart.
	restarting bool
	stallArmed bool

	negotiation Timer
	stall       Timer
	recreate    Timer
	reconnect   Timer
}

func newLink(peerID, username string, role Role, gen uint64) *link {
	return &link{
		peerID:   peerID,
		username: username,
		role:     role,
		gen:      gen,
		state:    StateNegotiating,
		streams:  make(map[string]struct{}),
	}
}

// transition moves the link to state to. It reports false, leaving the link
// unchanged, when the move is not allowed.
func (l *link) transition(to LinkState) bool {
	if !canTransition(l.state, to) {
		return false
	}
	l.state = to
	return true
}

// healthy reports whether the link carries media: connected with at least one
// inbound stream. A connected link without streams is a stalled negotiation.
func (l *link) healthy() bool {
	return l.state == StateConnected && len(l.streams) > 0
}

// addStream records an inbound stream and reports whether it was new.
func (l *link) addStream(id string) bool {
	if _, ok := l.streams[id]; ok {
		return false
	}
	l.streams[id] = struct{}{}
	return true
}

func (l *link) restarter() (ICERestarter, bool) {
	if l.peer == nil {
		return nil, false
	}
	r, ok := l.peer.(ICERestarter)
	return r, ok
}

func (l *link) stopTimers() {
	for _, t := range []*Timer{&l.negotiation, &l.stall, &l.recreate, &l.reconnect} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// release closes the media peer. The link itself stays usable.
func (l *link) release() {
	if l.peer != nil {
		_ = l.peer.Close()
		l.peer = nil
	}
}

func (l *link) status() LinkStatus {
	return LinkStatus{
		PeerID:   l.peerID,
		Username: l.username,
		Role:     l.role,
		State:    l.state,
		Streams:  len(l.streams),
		Healthy:  l.healthy(),
	}
}
