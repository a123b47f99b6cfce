// Package mesh keeps a participant's full mesh of peer links in step with the
// room roster reported by the relay.
//
// All state is owned by a single loop goroutine. Inbound envelopes, media
// peer callbacks and timers are turned into events on one queue and handled
// strictly one at a time; nothing outside the loop touches a link.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

var (
	ErrClosed       = errors.New("coordinator closed")
	ErrRoomRequired = errors.New("room id is required")
)

const (
	DefaultRecoveryDelay      = 2 * time.Second
	DefaultStallTimeout       = 10 * time.Second
	DefaultNegotiationTimeout = 20 * time.Second
)

type Options struct {
	// RecoveryDelay postpones every link recreation and throttles
	// reconnect requests.
	RecoveryDelay time.Duration
	// StallTimeout bounds how long a connected link may go without an
	// inbound stream. Negative disables the check.
	StallTimeout time.Duration
	// NegotiationTimeout bounds how long a link may stay negotiating.
	// Negative disables the check.
	NegotiationTimeout time.Duration

	Scheduler Scheduler
	Media     MediaAcquirer
	// OnStream is called from the loop for every new inbound stream.
	OnStream func(peerID, streamID string)
	Logger   *slog.Logger
}

type eventKind int

const (
	evMessage eventKind = iota
	evPeer
	evTimer
	evJoin
	evLeave
	evMediaReady
	evSync
)

type timerKind int

const (
	timerNegotiation timerKind = iota
	timerStall
	timerRecreate
	timerReconnect
)

type event struct {
	kind eventKind

	msg domain.SignalMessage

	peerID string
	gen    uint64
	peer   PeerEvent
	timer  timerKind

	roomID   string
	username string
	epoch    uint64
	err      error

	done chan struct{}
}

type Coordinator struct {
	factory  PeerFactory
	signaler Signaler
	opts     Options
	sched    Scheduler
	log      *slog.Logger

	queue     *eventQueue
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Loop-owned state.
	selfID        string
	roomID        string
	username      string
	joined        bool
	acquiring     bool
	epoch         uint64
	roster        []domain.Participant
	links         map[string]*link
	nextGen       uint64
	lastReconnect time.Time

	snapMu sync.Mutex
	snap   Status
}

func NewCoordinator(factory PeerFactory, signaler Signaler, opts Options) *Coordinator {
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = DefaultRecoveryDelay
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.NegotiationTimeout == 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		factory:  factory,
		signaler: signaler,
		opts:     opts,
		sched:    opts.Scheduler,
		log:      opts.Logger.With(slog.String("component", "mesh")),
		queue:    newEventQueue(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		links:    make(map[string]*link),
	}
	go c.run()
	return c
}

// HandleMessage queues an envelope received from the relay.
func (c *Coordinator) HandleMessage(msg domain.SignalMessage) error {
	if !c.queue.push(event{kind: evMessage, msg: msg}) {
		return ErrClosed
	}
	return nil
}

// Join acquires local media and then joins roomID. Joining the room already
// joined is a no-op; joining another room leaves the current one first.
func (c *Coordinator) Join(roomID, username string) error {
	if roomID == "" {
		return ErrRoomRequired
	}
	if username == "" {
		username = domain.DefaultUsername
	}
	if !c.queue.push(event{kind: evJoin, roomID: roomID, username: username}) {
		return ErrClosed
	}
	return nil
}

// Leave destroys every link and leaves the room. It is safe to call when not
// in a room.
func (c *Coordinator) Leave() error {
	if !c.queue.push(event{kind: evLeave}) {
		return ErrClosed
	}
	return nil
}

// Sync waits until the loop is idle: every event queued before the call, and
// every event those produced in turn, has been handled.
func (c *Coordinator) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !c.queue.push(event{kind: evSync, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down every link, cancels all timers and stops the loop. It is
// idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		<-c.stopped
	})
}

func (c *Coordinator) Status() Status {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap.clone()
}

func (c *Coordinator) run() {
	defer close(c.stopped)

	for {
		ev, ok := c.queue.pop(c.done)
		if !ok {
			c.queue.close()
			c.resetLinks()
			c.roomID = ""
			c.joined = false
			c.publish()
			c.log.Debug("coordinator stopped")
			return
		}
		c.handle(ev)
		c.publish()
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evMessage:
		c.handleMessage(ev.msg)
	case evPeer:
		c.handlePeerEvent(ev.peerID, ev.gen, ev.peer)
	case evTimer:
		c.handleTimer(ev.peerID, ev.gen, ev.timer)
	case evJoin:
		c.onJoin(ev.roomID, ev.username)
	case evLeave:
		c.onLeave()
	case evMediaReady:
		c.onMediaReady(ev.epoch, ev.err)
	case evSync:
		// Events queued while handling earlier ones are drained first.
		if c.queue.pending() && c.queue.push(ev) {
			return
		}
		close(ev.done)
	}
}

func (c *Coordinator) handleMessage(msg domain.SignalMessage) {
	if msg.Type == domain.TypeConnected {
		c.onConnected(msg.ID)
		return
	}
	if !c.joined {
		c.log.Debug("not in a room, ignoring envelope", slog.String("type", msg.Type))
		return
	}

	switch msg.Type {
	case domain.TypeRoomUsers:
		c.reconcile(msg.Users)
	case domain.TypeUserJoin:
		c.onPeerJoined(msg.CallerID, msg.Username)
	case domain.TypeUserLeft:
		c.onPeerLeft(msg.ID)
	case domain.TypeReceivingSignal:
		c.onOffer(msg.CallerID, msg.Username, msg.Signal, msg.Restart)
	case domain.TypeReceivingReturnedSignal:
		c.onAnswer(msg.ID, msg.Signal)
	case domain.TypeICECandidate:
		c.onCandidate(msg.From, msg.Candidate)
	case domain.TypeReconnectWithPeer:
		c.onReconnectWith(msg.PeerID, msg.Username)
	default:
		c.log.Debug("ignoring envelope", slog.String("type", msg.Type))
	}
}

// onConnected records the connection id assigned by the relay. A new id means
// the signaling connection was replaced: every link belongs to the old
// identity, so they are all dropped and the room is joined again.
func (c *Coordinator) onConnected(id string) {
	if id == "" {
		return
	}
	if c.selfID != "" && c.selfID != id {
		c.log.Info("signaling connection replaced",
			slog.String("previous_id", c.selfID),
			slog.String("self_id", id),
		)
		c.resetLinks()
		c.roster = nil
	}
	c.selfID = id

	if c.joined {
		c.sendJoin()
	}
}

func (c *Coordinator) onJoin(roomID, username string) {
	if c.roomID == roomID && (c.joined || c.acquiring) {
		return
	}
	if c.roomID != "" {
		c.onLeave()
	}

	c.epoch++
	epoch := c.epoch
	c.roomID = roomID
	c.username = username
	c.acquiring = true

	if c.opts.Media == nil {
		c.onMediaReady(epoch, nil)
		return
	}

	go func() {
		err := c.opts.Media.Acquire(c.ctx)
		c.queue.push(event{kind: evMediaReady, epoch: epoch, err: err})
	}()
}

// onMediaReady is the continuation of media acquisition. The room may have
// been left, or another joined, while acquisition was pending.
func (c *Coordinator) onMediaReady(epoch uint64, err error) {
	if c.ctx.Err() != nil || epoch != c.epoch || c.roomID == "" {
		c.log.Debug("stale media acquisition, ignoring")
		return
	}
	c.acquiring = false
	if err != nil {
		c.log.Warn("local media unavailable, joining signaling-only", sl.Err(err))
	}
	c.joined = true
	c.sendJoin()
}

func (c *Coordinator) onLeave() {
	if c.roomID == "" {
		return
	}
	c.epoch++
	c.resetLinks()
	if c.joined && c.selfID != "" {
		c.send(domain.SignalMessage{Type: domain.TypeLeaveRoom, RoomID: c.roomID})
	}
	c.log.Info("left room", slog.String("room_id", c.roomID))
	c.roomID = ""
	c.joined = false
	c.acquiring = false
	c.roster = nil
}

func (c *Coordinator) sendJoin() {
	if c.selfID == "" {
		return
	}
	c.log.Info("joining room", slog.String("room_id", c.roomID), slog.String("self_id", c.selfID))
	c.send(domain.SignalMessage{Type: domain.TypeJoinRoom, RoomID: c.roomID, Username: c.username})
}

// reconcile brings the link set in line with roster: links to peers no longer
// listed are evicted, listed peers without a link get a new initiator link.
// Applying the same roster twice changes nothing.
func (c *Coordinator) reconcile(roster []domain.Participant) {
	c.roster = append([]domain.Participant(nil), roster...)

	for id, l := range c.links {
		if !domain.ContainsParticipant(roster, id) {
			c.log.Info("evicting stale link", slog.String("peer_id", id), slog.String("state", string(l.state)))
			c.destroy(l)
		}
	}

	for _, p := range roster {
		c.ensureInitiator(p.ID, p.Username)
	}
}

func (c *Coordinator) onPeerJoined(peerID, username string) {
	if peerID == "" || peerID == c.selfID {
		return
	}
	if !domain.ContainsParticipant(c.roster, peerID) {
		c.roster = append(c.roster, domain.Participant{ID: peerID, Username: username})
	}
	c.ensureInitiator(peerID, username)
}

func (c *Coordinator) onPeerLeft(peerID string) {
	for i, p := range c.roster {
		if p.ID == peerID {
			c.roster = append(c.roster[:i:i], c.roster[i+1:]...)
			break
		}
	}
	if l, ok := c.links[peerID]; ok {
		c.log.Info("peer left", slog.String("peer_id", peerID))
		c.destroy(l)
	}
}

// onOffer handles an offer from peerID. An offer is authoritative and
// replaces any existing link, except in two cases: an ICE-restart offer is
// applied in place by an existing responder, and during offer glare the side
// with the smaller connection id keeps its own offer.
func (c *Coordinator) onOffer(peerID, username string, payload json.RawMessage, restart bool) {
	if peerID == "" || peerID == c.selfID {
		return
	}
	log := c.log.With(slog.String("peer_id", peerID))

	if l, ok := c.links[peerID]; ok {
		if restart && l.role == RoleResponder && l.peer != nil {
			log.Debug("applying ice restart offer")
			if err := l.peer.Signal(payload); err != nil {
				log.Warn("failed to apply restart offer", sl.Err(err))
				c.recover(l, TriggerPeerError)
			}
			return
		}
		if l.role == RoleInitiator && l.state == StateNegotiating && !l.answered && l.peer != nil {
			if c.selfID < peerID {
				log.Debug("offer glare, keeping local offer")
				return
			}
			log.Debug("offer glare, yielding to remote offer")
		}
		c.destroy(l)
	}

	l := c.spawn(peerID, username, RoleResponder)
	if l == nil || l.peer == nil {
		return
	}
	if err := l.peer.Signal(payload); err != nil {
		log.Warn("failed to apply offer", sl.Err(err))
		c.recover(l, TriggerPeerError)
	}
}

func (c *Coordinator) onAnswer(peerID string, payload json.RawMessage) {
	l, ok := c.links[peerID]
	if !ok || l.role != RoleInitiator || l.peer == nil {
		c.log.Warn("answer for unknown link, dropping", slog.String("peer_id", peerID))
		return
	}
	l.answered = true
	if err := l.peer.Signal(payload); err != nil {
		c.log.Warn("failed to apply answer", slog.String("peer_id", peerID), sl.Err(err))
		c.recover(l, TriggerPeerError)
	}
}

func (c *Coordinator) onCandidate(peerID string, payload json.RawMessage) {
	l, ok := c.links[peerID]
	if !ok || l.peer == nil {
		c.log.Debug("candidate for unknown link, dropping", slog.String("peer_id", peerID))
		return
	}
	if err := l.peer.AddCandidate(payload); err != nil {
		c.log.Debug("failed to add candidate", slog.String("peer_id", peerID), sl.Err(err))
	}
}

// onReconnectWith rebuilds the link to peerID unless it is healthy. Healthy
// links are left alone so pairwise nudges cannot tear down working media.
func (c *Coordinator) onReconnectWith(peerID, username string) {
	if peerID == "" || peerID == c.selfID {
		return
	}
	if l, ok := c.links[peerID]; ok {
		if l.healthy() {
			c.log.Debug("link healthy, ignoring reconnect", slog.String("peer_id", peerID))
			return
		}
		c.log.Info("rebuilding unhealthy link",
			slog.String("peer_id", peerID),
			slog.String("state", string(l.state)),
			slog.Int("streams", len(l.streams)),
		)
		c.destroy(l)
	}
	c.spawn(peerID, username, RoleInitiator)
}

func (c *Coordinator) handlePeerEvent(peerID string, gen uint64, ev PeerEvent) {
	l, ok := c.links[peerID]
	if !ok || l.gen != gen {
		return
	}
	log := c.log.With(slog.String("peer_id", peerID))

	switch ev.Kind {
	case EventSignal:
		c.sendSignal(l, ev.Signal)
	case EventCandidate:
		c.send(domain.SignalMessage{Type: domain.TypeICECandidate, To: peerID, Candidate: ev.Candidate})
	case EventStateChanged:
		c.onTransportState(l, ev.State)
	case EventStream:
		if l.addStream(ev.StreamID) {
			log.Info("inbound stream", slog.String("stream_id", ev.StreamID))
			if l.stall != nil {
				l.stall.Stop()
				l.stall = nil
			}
			if c.opts.OnStream != nil {
				c.opts.OnStream(peerID, ev.StreamID)
			}
		}
	case EventError:
		log.Warn("media peer error", sl.Err(ev.Err))
		c.recover(l, TriggerPeerError)
	case EventClosed:
		log.Info("media peer closed")
		c.destroy(l)
	}
}

func (c *Coordinator) onTransportState(l *link, state TransportState) {
	log := c.log.With(slog.String("peer_id", l.peerID), slog.String("transport", string(state)))

	switch state {
	case TransportConnected:
		if !l.transition(StateConnected) {
			return
		}
		log.Info("link connected")
		l.restarted = false
		if l.negotiation != nil {
			l.negotiation.Stop()
			l.negotiation = nil
		}
		if len(l.streams) == 0 && !l.stallArmed && c.opts.StallTimeout > 0 {
			l.stallArmed = true
			l.stall = c.after(c.opts.StallTimeout, timerStall, l)
		}
	case TransportDisconnected, TransportFailed:
		to := StateDisconnected
		if state == TransportFailed {
			to = StateFailed
		}
		if !l.transition(to) {
			return
		}
		log.Warn("link lost")
		c.recover(l, TriggerTransportFailure)
	case TransportClosed:
		log.Info("link closed by transport")
		c.destroy(l)
	}
}

func (c *Coordinator) handleTimer(peerID string, gen uint64, kind timerKind) {
	l, ok := c.links[peerID]
	if !ok || l.gen != gen {
		return
	}
	log := c.log.With(slog.String("peer_id", peerID))

	switch kind {
	case timerNegotiation:
		l.negotiation = nil
		if l.state == StateNegotiating {
			log.Warn("negotiation timed out")
			c.recover(l, TriggerNegotiationTimeout)
		}
	case timerStall:
		l.stall = nil
		if l.state == StateConnected && len(l.streams) == 0 {
			log.Warn("connected without media")
			c.recover(l, TriggerMediaStall)
		}
	case timerRecreate:
		l.recreate = nil
		if l.state == StateRecovering && l.peer == nil {
			log.Info("recreating link", slog.String("role", string(l.role)))
			c.destroy(l)
			c.spawn(l.peerID, l.username, l.role)
		}
	case timerReconnect:
		l.reconnect = nil
		if !l.healthy() {
			c.requestReconnect()
		}
	}
}

// recover applies the recovery policy to a link hit by trigger.
func (c *Coordinator) recover(l *link, trigger Trigger) {
	restarter, canRestart := l.restarter()
	canRestart = canRestart && !l.restarted

	action := RecoveryPolicy(l.role, trigger, canRestart)
	c.log.Info("recovering link",
		slog.String("peer_id", l.peerID),
		slog.String("role", string(l.role)),
		slog.String("trigger", trigger.String()),
		slog.String("action", action.String()),
	)

	switch action {
	case ActionRestartICE:
		l.restarted = true
		l.restarting = true
		l.transition(StateRecovering)
		if err := restarter.RestartICE(); err != nil {
			c.log.Warn("ice restart failed", slog.String("peer_id", l.peerID), sl.Err(err))
			l.restarting = false
			c.scheduleRecreate(l)
		}
	case ActionRecreate:
		c.scheduleRecreate(l)
	case ActionRequestReconnect:
		c.awaitReconnect(l)
		c.requestReconnect()
	case ActionDelayedReconnect:
		c.awaitReconnect(l)
		if l.reconnect == nil {
			l.reconnect = c.after(c.opts.RecoveryDelay, timerReconnect, l)
		}
	}
}

// awaitReconnect parks a dropped link in recovering so the restart offer the
// remote initiator sends back can bring it to connected again.
func (c *Coordinator) awaitReconnect(l *link) {
	if l.state == StateFailed || l.state == StateDisconnected {
		l.transition(StateRecovering)
	}
}

// scheduleRecreate releases the media peer now and rebuilds the link after
// the recovery delay. The link stays in the map meanwhile, so no other path
// creates a duplicate.
func (c *Coordinator) scheduleRecreate(l *link) {
	l.release()
	l.stopTimers()
	l.transition(StateRecovering)
	l.recreate = c.after(c.opts.RecoveryDelay, timerRecreate, l)
}

func (c *Coordinator) requestReconnect() {
	if c.roomID == "" || c.selfID == "" {
		return
	}
	now := c.sched.Now()
	if !c.lastReconnect.IsZero() && now.Sub(c.lastReconnect) < c.opts.RecoveryDelay {
		c.log.Debug("reconnect request throttled")
		return
	}
	c.lastReconnect = now
	c.send(domain.SignalMessage{Type: domain.TypeRequestReconnection, RoomID: c.roomID})
}

func (c *Coordinator) ensureInitiator(peerID, username string) {
	if peerID == "" || peerID == c.selfID {
		return
	}
	if _, ok := c.links[peerID]; ok {
		return
	}
	c.spawn(peerID, username, RoleInitiator)
}

// spawn creates a link with a fresh media peer. A peer that cannot be built
// leaves an initiator link waiting for recreation and a responder with no
// link at all, since only the remote side can restart its signaling.
func (c *Coordinator) spawn(peerID, username string, role Role) *link {
	c.nextGen++
	l := newLink(peerID, username, role, c.nextGen)

	peer, err := c.factory.NewPeer(PeerConfig{
		PeerID:    peerID,
		Initiator: role == RoleInitiator,
		Emit:      c.emitter(peerID, l.gen),
	})
	if err != nil {
		c.log.Error("failed to create media peer", slog.String("peer_id", peerID), sl.Err(err))
		if role != RoleInitiator {
			return nil
		}
		c.links[peerID] = l
		c.scheduleRecreate(l)
		return l
	}

	l.peer = peer
	c.links[peerID] = l
	if c.opts.NegotiationTimeout > 0 {
		l.negotiation = c.after(c.opts.NegotiationTimeout, timerNegotiation, l)
	}

	c.log.Debug("link created", slog.String("peer_id", peerID), slog.String("role", string(role)))
	return l
}

func (c *Coordinator) destroy(l *link) {
	l.stopTimers()
	l.release()
	l.state = StateClosed
	if cur, ok := c.links[l.peerID]; ok && cur == l {
		delete(c.links, l.peerID)
	}
}

func (c *Coordinator) resetLinks() {
	for _, l := range c.links {
		c.destroy(l)
	}
}

func (c *Coordinator) sendSignal(l *link, payload json.RawMessage) {
	if l.role == RoleInitiator {
		c.send(domain.SignalMessage{
			Type:         domain.TypeSendingSignal,
			UserToSignal: l.peerID,
			CallerID:     c.selfID,
			Username:     c.username,
			Signal:       payload,
			Restart:      l.restarting,
		})
		l.restarting = false
		return
	}
	c.send(domain.SignalMessage{
		Type:     domain.TypeReturningSignal,
		CallerID: l.peerID,
		Signal:   payload,
	})
}

func (c *Coordinator) send(msg domain.SignalMessage) {
	if err := c.signaler.Send(msg); err != nil {
		c.log.Warn("failed to send envelope", slog.String("type", msg.Type), sl.Err(err))
	}
}

func (c *Coordinator) emitter(peerID string, gen uint64) func(PeerEvent) {
	return func(ev PeerEvent) {
		c.queue.push(event{kind: evPeer, peerID: peerID, gen: gen, peer: ev})
	}
}

func (c *Coordinator) after(d time.Duration, kind timerKind, l *link) Timer {
	peerID, gen := l.peerID, l.gen
	return c.sched.AfterFunc(d, func() {
		c.queue.push(event{kind: evTimer, timer: kind, peerID: peerID, gen: gen})
	})
}

func (c *Coordinator) publish() {
	links := make([]LinkStatus, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l.status())
	}
	sort.Slice(links, func(i, j int) bool { return links[i].PeerID < links[j].PeerID })

	snap := Status{
		SelfID: c.selfID,
		RoomID: c.roomID,
		Joined: c.joined,
		Roster: append([]domain.Participant(nil), c.roster...),
		Links:  links,
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}
