package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go4org/hashtriemap"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/metrics"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

var (
	ErrPeerNotFound    = errors.New("peer not found")
	ErrRoomRequired    = errors.New("room id is required")
	ErrNotInRoom       = errors.New("peer is not in the room")
	ErrUnsupportedType = errors.New("unsupported signal type")
	ErrTargetRequired  = errors.New("target peer id is required")
	ErrMessageRequired = errors.New("message is required")
	ErrPayloadRequired = errors.New("signal payload is required")
)

const DefaultRosterInterval = 30 * time.Second

type RelayOptions struct {
	// RosterInterval is the period of the roster re-broadcast sent to rooms
	// with two or more participants.
	RosterInterval time.Duration
	// EventBuffer is the outbound queue length of each connection.
	EventBuffer int
}

// RelayService routes signaling envelopes between connections by id and fans
// out roster changes. Payloads are forwarded untouched.
type RelayService struct {
	registry repository.RoomRegistry
	metrics  *metrics.Relay
	log      *slog.Logger
	opts     RelayOptions

	conns hashtriemap.HashTrieMap[string, *domain.Peer]

	hbMu       sync.Mutex
	heartbeats map[string]*heartbeat
}

type heartbeat struct {
	cancel context.CancelFunc
}

func NewRelayService(registry repository.RoomRegistry, m *metrics.Relay, log *slog.Logger, opts RelayOptions) *RelayService {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	if opts.RosterInterval <= 0 {
		opts.RosterInterval = DefaultRosterInterval
	}
	return &RelayService{
		registry:   registry,
		metrics:    m,
		log:        log,
		opts:       opts,
		heartbeats: make(map[string]*heartbeat),
	}
}

// Connect registers a new signaling connection and queues the welcome
// envelope carrying its connection id.
func (s *RelayService) Connect(_ context.Context) *domain.Peer {
	peer := domain.NewPeer(s.opts.EventBuffer)
	s.conns.Store(peer.ID, peer)
	s.metrics.Connections.Inc()

	s.deliver(peer, domain.SignalMessage{Type: domain.TypeConnected, ID: peer.ID})

	s.log.Info("peer connected", slog.String("peer_id", peer.ID))
	return peer
}

// Disconnect removes the connection, leaves its room and notifies the
// remaining participants. Unknown ids yield ErrPeerNotFound.
func (s *RelayService) Disconnect(ctx context.Context, peerID string) error {
	const op = "service.relay.disconnect"
	log := s.log.With(slog.String("op", op), slog.String("peer_id", peerID))

	peer, ok := s.conns.LoadAndDelete(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	s.metrics.Connections.Dec()

	if err := s.leave(ctx, peerID); err != nil {
		log.Error("failed to leave room", sl.Err(err))
	}

	peer.Close()
	log.Info("peer disconnected")
	return nil
}

func (s *RelayService) HandleSignal(ctx context.Context, peerID string, message *domain.SignalMessage) error {
	const op = "service.relay.signal"
	if message == nil {
		return ErrMessageRequired
	}

	peer, ok := s.conns.Load(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	peer.Touch()
	s.metrics.Messages.WithLabelValues(message.Type).Inc()

	log := s.log.With(
		slog.String("op", op),
		slog.String("peer_id", peerID),
		slog.String("type", message.Type),
	)
	log.Debug("new signal")

	switch message.Type {
	case domain.TypeJoinRoom:
		return s.join(ctx, peer, message, log)
	case domain.TypeLeaveRoom:
		return s.leave(ctx, peer.ID)
	case domain.TypeSendingSignal:
		return s.forwardOffer(ctx, peer, message, log)
	case domain.TypeReturningSignal:
		if message.CallerID == "" {
			return ErrTargetRequired
		}
		if len(message.Signal) == 0 {
			return ErrPayloadRequired
		}
		s.forward(message.CallerID, domain.SignalMessage{
			Type:   domain.TypeReceivingReturnedSignal,
			Signal: message.Signal,
			ID:     peer.ID,
		}, log)
	case domain.TypeICECandidate:
		if message.To == "" {
			return ErrTargetRequired
		}
		if len(message.Candidate) == 0 {
			return ErrPayloadRequired
		}
		s.forward(message.To, domain.SignalMessage{
			Type:      domain.TypeICECandidate,
			Candidate: message.Candidate,
			From:      peer.ID,
		}, log)
	case domain.TypeRequestReconnection:
		return s.requestReconnection(ctx, peer, message.RoomID, log)
	case domain.TypeSendMessage:
		return s.chat(ctx, peer, message, log)
	case domain.TypePing:
		s.deliver(peer, domain.SignalMessage{Type: domain.TypePong, Timestamp: time.Now().UnixMilli()})
	default:
		return ErrUnsupportedType
	}

	return nil
}

func (s *RelayService) Rooms(ctx context.Context) ([]domain.RoomStatus, error) {
	return s.registry.List(ctx)
}

func (s *RelayService) Roster(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return s.registry.RosterOf(ctx, roomID)
}

// Shutdown stops every roster heartbeat.
func (s *RelayService) Shutdown() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	for roomID, hb := range s.heartbeats {
		hb.cancel()
		delete(s.heartbeats, roomID)
	}
}

func (s *RelayService) join(ctx context.Context, peer *domain.Peer, message *domain.SignalMessage, log *slog.Logger) error {
	roomID := strings.TrimSpace(message.RoomID)
	if roomID == "" {
		return ErrRoomRequired
	}
	username := strings.TrimSpace(message.Username)
	if username == "" {
		username = domain.DefaultUsername
	}
	log = log.With(slog.String("room_id", roomID))

	if prev, err := s.registry.RoomOf(ctx, peer.ID); err == nil && prev != roomID {
		log.Info("peer switching rooms", slog.String("previous_room", prev))
		if err := s.leave(ctx, peer.ID); err != nil {
			return err
		}
	}

	roster, err := s.registry.Join(ctx, peer.ID, roomID, username)
	if err != nil {
		return err
	}

	s.deliver(peer, domain.SignalMessage{Type: domain.TypeRoomUsers, RoomID: roomID, Users: roster})

	notice := domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: peer.ID, Username: username}
	for _, p := range roster {
		if p.ID == peer.ID {
			continue
		}
		s.forward(p.ID, notice, log)
	}

	s.ensureHeartbeat(roomID)
	s.refreshRoomGauge(ctx)

	log.Info("peer joined room", slog.String("username", username), slog.Int("participants", len(roster)))
	return nil
}

// leave is a no-op for connections that are not in any room.
func (s *RelayService) leave(ctx context.Context, peerID string) error {
	dep, err := s.registry.Leave(ctx, peerID)
	if err != nil {
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return nil
		}
		return err
	}

	log := s.log.With(slog.String("room_id", dep.RoomID), slog.String("peer_id", peerID))

	if dep.RoomDeleted {
		s.stopHeartbeat(dep.RoomID, nil)
		log.Info("room is empty, removed")
	} else {
		notice := domain.SignalMessage{Type: domain.TypeUserLeft, ID: peerID}
		for _, p := range dep.Remaining {
			s.forward(p.ID, notice, log)
		}
		log.Info("peer left room", slog.Int("participants", len(dep.Remaining)))
	}

	s.refreshRoomGauge(ctx)
	return nil
}

func (s *RelayService) forwardOffer(ctx context.Context, peer *domain.Peer, message *domain.SignalMessage, log *slog.Logger) error {
	if message.UserToSignal == "" {
		return ErrTargetRequired
	}
	if len(message.Signal) == 0 {
		return ErrPayloadRequired
	}

	username := strings.TrimSpace(message.Username)
	if username == "" {
		username = s.usernameOf(ctx, peer.ID)
	}

	// callerID is always the sending connection, whatever the client claims.
	s.forward(message.UserToSignal, domain.SignalMessage{
		Type:     domain.TypeReceivingSignal,
		Signal:   message.Signal,
		CallerID: peer.ID,
		Username: username,
		Restart:  message.Restart,
	}, log)
	return nil
}

// requestReconnection nudges every pair (requester, other) in the room: both
// sides get a reconnect-with-peer naming the other one. The relay cannot tell
// which side's link actually broke.
func (s *RelayService) requestReconnection(ctx context.Context, peer *domain.Peer, roomID string, log *slog.Logger) error {
	if roomID == "" {
		return ErrRoomRequired
	}

	roster, err := s.registry.RosterOf(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return ErrNotInRoom
		}
		return err
	}

	var requester *domain.Participant
	for i := range roster {
		if roster[i].ID == peer.ID {
			requester = &roster[i]
			break
		}
	}
	if requester == nil {
		return ErrNotInRoom
	}

	for _, other := range roster {
		if other.ID == peer.ID {
			continue
		}
		s.forward(other.ID, domain.SignalMessage{
			Type:     domain.TypeReconnectWithPeer,
			PeerID:   requester.ID,
			Username: requester.Username,
		}, log)
		s.deliver(peer, domain.SignalMessage{
			Type:     domain.TypeReconnectWithPeer,
			PeerID:   other.ID,
			Username: other.Username,
		})
	}

	log.Info("reconnection requested", slog.String("room_id", roomID), slog.Int("pairs", len(roster)-1))
	return nil
}

func (s *RelayService) chat(ctx context.Context, peer *domain.Peer, message *domain.SignalMessage, log *slog.Logger) error {
	if message.RoomID == "" {
		return ErrRoomRequired
	}

	chatMsg, err := domain.ParseChatMessage(message.Message)
	if err != nil {
		return err
	}

	roster, err := s.registry.RosterOf(ctx, message.RoomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return ErrNotInRoom
		}
		return err
	}
	if !domain.ContainsParticipant(roster, peer.ID) {
		return ErrNotInRoom
	}

	raw, err := json.Marshal(chatMsg)
	if err != nil {
		return err
	}

	event := domain.SignalMessage{Type: domain.TypeReceiveMessage, From: peer.ID, Message: raw}
	for _, p := range roster {
		if p.ID == peer.ID {
			continue
		}
		s.forward(p.ID, event, log)
	}
	return nil
}

// forward delivers msg to the connection named by targetID. A missing target
// is a routing miss: the envelope is dropped and logged, never queued.
func (s *RelayService) forward(targetID string, msg domain.SignalMessage, log *slog.Logger) {
	target, ok := s.conns.Load(targetID)
	if !ok {
		s.metrics.RoutingMisses.WithLabelValues(msg.Type).Inc()
		log.Warn("routing miss, dropping envelope",
			slog.String("target", targetID),
			slog.String("type", msg.Type),
		)
		return
	}
	s.deliver(target, msg)
}

func (s *RelayService) deliver(peer *domain.Peer, msg domain.SignalMessage) {
	if !peer.EnqueueEvent(msg) {
		s.metrics.DroppedEvents.Inc()
		s.log.Debug("dropping event", slog.String("peer", peer.ID), slog.String("type", msg.Type))
	}
}

func (s *RelayService) broadcastRoster(ctx context.Context, roomID string) error {
	roster, err := s.registry.RosterOf(ctx, roomID)
	if err != nil {
		return err
	}
	if len(roster) < 2 {
		return nil
	}

	s.log.Debug("periodic roster broadcast", slog.String("room_id", roomID), slog.Int("participants", len(roster)))

	event := domain.SignalMessage{Type: domain.TypeRoomUsers, RoomID: roomID, Users: roster}
	for _, p := range roster {
		if target, ok := s.conns.Load(p.ID); ok {
			s.deliver(target, event)
		}
	}
	return nil
}

func (s *RelayService) ensureHeartbeat(roomID string) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	if _, ok := s.heartbeats[roomID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel}
	s.heartbeats[roomID] = hb

	go s.runHeartbeat(ctx, roomID, hb)
}

func (s *RelayService) runHeartbeat(ctx context.Context, roomID string, hb *heartbeat) {
	ticker := time.NewTicker(s.opts.RosterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.broadcastRoster(ctx, roomID)
			if errors.Is(err, repository.ErrRoomNotFound) {
				s.stopHeartbeat(roomID, hb)
				return
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("roster broadcast failed", slog.String("room_id", roomID), sl.Err(err))
			}
		}
	}
}

// stopHeartbeat cancels the room's heartbeat. When only is non-nil the entry
// is removed only if it is still that heartbeat, so a goroutine exiting late
// cannot cancel the heartbeat of a room that was re-created meanwhile.
func (s *RelayService) stopHeartbeat(roomID string, only *heartbeat) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	hb, ok := s.heartbeats[roomID]
	if !ok || (only != nil && hb != only) {
		return
	}
	hb.cancel()
	delete(s.heartbeats, roomID)
}

func (s *RelayService) activeHeartbeats() int {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return len(s.heartbeats)
}

func (s *RelayService) usernameOf(ctx context.Context, peerID string) string {
	roomID, err := s.registry.RoomOf(ctx, peerID)
	if err != nil {
		return domain.DefaultUsername
	}
	roster, err := s.registry.RosterOf(ctx, roomID)
	if err != nil {
		return domain.DefaultUsername
	}
	for _, p := range roster {
		if p.ID == peerID {
			return p.Username
		}
	}
	return domain.DefaultUsername
}

func (s *RelayService) refreshRoomGauge(ctx context.Context) {
	rooms, err := s.registry.List(ctx)
	if err != nil {
		return
	}
	s.metrics.Rooms.Set(float64(len(rooms)))
}
