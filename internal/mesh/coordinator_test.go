package mesh_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/mesh"
	"github.com/immxrtalbeast/meshconf/internal/mesh/meshtest"
	"github.com/immxrtalbeast/meshconf/lib/logger/handlers/slogdiscard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	recoveryDelay      = 2 * time.Second
	stallTimeout       = 10 * time.Second
	negotiationTimeout = 20 * time.Second
)

type harness struct {
	t        *testing.T
	coord    *mesh.Coordinator
	factory  *meshtest.Factory
	signaler *meshtest.Signaler
	clock    *meshtest.Clock
}

func newHarness(t *testing.T, selfID string, configure ...func(*mesh.Options, *meshtest.Factory)) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		factory:  meshtest.NewFactory(),
		signaler: &meshtest.Signaler{},
		clock:    meshtest.NewClock(),
	}
	opts := mesh.Options{
		RecoveryDelay:      recoveryDelay,
		StallTimeout:       stallTimeout,
		NegotiationTimeout: negotiationTimeout,
		Scheduler:          h.clock,
		Logger:             slogdiscard.NewDiscardLogger(),
	}
	for _, fn := range configure {
		fn(&opts, h.factory)
	}

	h.coord = mesh.NewCoordinator(h.factory, h.signaler, opts)
	t.Cleanup(h.coord.Close)

	if selfID != "" {
		h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: selfID})
		require.NoError(t, h.coord.Join("room1", "user-"+selfID))
		h.sync()
	}
	return h
}

func (h *harness) deliver(msg domain.SignalMessage) {
	h.t.Helper()
	require.NoError(h.t, h.coord.HandleMessage(msg))
	h.sync()
}

func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.coord.Sync(ctx))
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) roster(ids ...string) {
	h.t.Helper()
	users := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		users = append(users, domain.Participant{ID: id, Username: "user-" + id})
	}
	h.deliver(domain.SignalMessage{Type: domain.TypeRoomUsers, RoomID: "room1", Users: users})
}

func (h *harness) offer(from string, restart bool) {
	h.t.Helper()
	h.deliver(domain.SignalMessage{
		Type:     domain.TypeReceivingSignal,
		CallerID: from,
		Username: "user-" + from,
		Signal:   json.RawMessage(`{"type":"offer","sdp":"remote"}`),
		Restart:  restart,
	})
}

func (h *harness) answer(from string) {
	h.t.Helper()
	h.deliver(domain.SignalMessage{
		Type:   domain.TypeReceivingReturnedSignal,
		ID:     from,
		Signal: json.RawMessage(`{"type":"answer","sdp":"remote"}`),
	})
}

func (h *harness) link(peerID string) mesh.LinkStatus {
	h.t.Helper()
	l, ok := h.coord.Status().Link(peerID)
	require.True(h.t, ok, "no link to %s", peerID)
	return l
}

func (h *harness) noLink(peerID string) {
	h.t.Helper()
	_, ok := h.coord.Status().Link(peerID)
	require.False(h.t, ok, "unexpected link to %s", peerID)
}

// connected brings the link to peerID up with one inbound stream.
func (h *harness) connected(peerID string) {
	h.t.Helper()
	h.factory.Last(peerID).ConnectWithStream()
	h.sync()
	require.True(h.t, h.link(peerID).Healthy)
}

func TestJoinSendsJoinRoom(t *testing.T) {
	h := newHarness(t, "a")

	joins := h.signaler.OfType(domain.TypeJoinRoom)
	require.Len(t, joins, 1)
	assert.Equal(t, "room1", joins[0].RoomID)
	assert.Equal(t, "user-a", joins[0].Username)

	st := h.coord.Status()
	assert.Equal(t, "a", st.SelfID)
	assert.True(t, st.Joined)
}

func TestJoinWaitsForConnectionID(t *testing.T) {
	h := newHarness(t, "")

	require.NoError(t, h.coord.Join("room1", "A"))
	h.sync()
	assert.Empty(t, h.signaler.OfType(domain.TypeJoinRoom))

	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a"})
	assert.Len(t, h.signaler.OfType(domain.TypeJoinRoom), 1)
}

func TestJoinSameRoomIsNoop(t *testing.T) {
	h := newHarness(t, "a")

	require.NoError(t, h.coord.Join("room1", "user-a"))
	h.sync()
	assert.Len(t, h.signaler.OfType(domain.TypeJoinRoom), 1)
}

func TestJoinRequiresRoom(t *testing.T) {
	h := newHarness(t, "a")
	assert.ErrorIs(t, h.coord.Join("", "A"), mesh.ErrRoomRequired)
}

func TestRosterCreatesInitiatorLinks(t *testing.T) {
	h := newHarness(t, "b")

	h.roster("a", "b", "c")

	st := h.coord.Status()
	require.Len(t, st.Links, 2)
	for _, id := range []string{"a", "c"} {
		l := h.link(id)
		assert.Equal(t, mesh.RoleInitiator, l.Role)
		assert.Equal(t, mesh.StateNegotiating, l.State)
	}

	offers := h.signaler.OfType(domain.TypeSendingSignal)
	require.Len(t, offers, 2)
	targets := []string{offers[0].UserToSignal, offers[1].UserToSignal}
	assert.ElementsMatch(t, []string{"a", "c"}, targets)
	for _, o := range offers {
		assert.Equal(t, "b", o.CallerID)
		assert.Equal(t, "user-b", o.Username)
		assert.False(t, o.Restart)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, "a")

	h.roster("a", "b", "c")
	created := h.factory.Created()
	offers := len(h.signaler.OfType(domain.TypeSendingSignal))

	h.roster("a", "b", "c")

	assert.Equal(t, created, h.factory.Created())
	assert.Len(t, h.signaler.OfType(domain.TypeSendingSignal), offers)
	assert.Len(t, h.coord.Status().Links, 2)
	assert.False(t, h.factory.Last("b").Closed())
	assert.False(t, h.factory.Last("c").Closed())
}

func TestStaleRosterEvictsOnlyMissingPeer(t *testing.T) {
	h := newHarness(t, "a")

	h.roster("a", "b", "c")
	h.answer("b")
	h.answer("c")
	h.connected("b")
	h.connected("c")
	b, c := h.factory.Last("b"), h.factory.Last("c")
	created := h.factory.Created()

	h.roster("a", "b")

	h.noLink("c")
	assert.True(t, c.Closed())
	assert.False(t, b.Closed())
	assert.Same(t, b, h.factory.Last("b"))
	assert.True(t, h.link("b").Healthy)
	assert.Equal(t, created, h.factory.Created())
}

func TestPeerJoinedAndRosterRace(t *testing.T) {
	h := newHarness(t, "a")

	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "b", Username: "B"})
	h.roster("a", "b")
	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "b", Username: "B"})

	assert.Equal(t, 1, h.factory.Created())
	assert.Len(t, h.coord.Status().Links, 1)
	assert.Equal(t, mesh.RoleInitiator, h.link("b").Role)
}

func TestPeerJoinedIgnoresSelf(t *testing.T) {
	h := newHarness(t, "a")

	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "a", Username: "A"})
	assert.Zero(t, h.factory.Created())
}

func TestUserLeftDestroysLink(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b", "c")

	h.deliver(domain.SignalMessage{Type: domain.TypeUserLeft, ID: "b"})

	h.noLink("b")
	assert.True(t, h.factory.Last("b").Closed())
	h.link("c")

	st := h.coord.Status()
	assert.False(t, domain.ContainsParticipant(st.Roster, "b"))
}

func TestOfferRoundTrip(t *testing.T) {
	initiator := newHarness(t, "a")
	responder := newHarness(t, "b")

	initiator.roster("a", "b")
	offers := initiator.signaler.OfType(domain.TypeSendingSignal)
	require.Len(t, offers, 1)

	// relay rewrite: sending-signal -> receiving-signal
	responder.deliver(domain.SignalMessage{
		Type:     domain.TypeReceivingSignal,
		CallerID: offers[0].CallerID,
		Username: offers[0].Username,
		Signal:   offers[0].Signal,
	})

	answers := responder.signaler.OfType(domain.TypeReturningSignal)
	require.Len(t, answers, 1)
	assert.Equal(t, "a", answers[0].CallerID)
	assert.Equal(t, mesh.RoleResponder, responder.link("a").Role)
	assert.Equal(t, "user-a", responder.link("a").Username)

	initiator.deliver(domain.SignalMessage{
		Type:   domain.TypeReceivingReturnedSignal,
		ID:     "b",
		Signal: answers[0].Signal,
	})
	signals := initiator.factory.Last("b").Signals()
	require.Len(t, signals, 1)
	assert.JSONEq(t, string(answers[0].Signal), string(signals[0]))
}

func TestOfferReplacesExistingLink(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")
	old := h.factory.Last("b")

	h.offer("b", false)

	assert.True(t, old.Closed())
	l := h.link("b")
	assert.Equal(t, mesh.RoleResponder, l.Role)
	assert.Equal(t, mesh.StateNegotiating, l.State)
	assert.Len(t, h.signaler.OfType(domain.TypeReturningSignal), 1)
}

func TestOfferGlareSmallerIDKeepsOffer(t *testing.T) {
	h := newHarness(t, "a")
	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "b", Username: "B"})
	local := h.factory.Last("b")

	h.offer("b", false)

	assert.False(t, local.Closed())
	assert.Equal(t, mesh.RoleInitiator, h.link("b").Role)
	assert.Empty(t, h.signaler.OfType(domain.TypeReturningSignal))
}

func TestOfferGlareLargerIDYields(t *testing.T) {
	h := newHarness(t, "c")
	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "b", Username: "B"})
	local := h.factory.Last("b")

	h.offer("b", false)

	assert.True(t, local.Closed())
	assert.Equal(t, mesh.RoleResponder, h.link("b").Role)
	assert.Len(t, h.signaler.OfType(domain.TypeReturningSignal), 1)
}

func TestRestartOfferAppliedInPlace(t *testing.T) {
	h := newHarness(t, "b")
	h.offer("a", false)
	h.connected("a")
	peer := h.factory.Last("a")
	created := h.factory.Created()

	h.offer("a", true)

	assert.Equal(t, created, h.factory.Created())
	assert.False(t, peer.Closed())
	assert.Len(t, peer.Signals(), 2)
	assert.Len(t, h.signaler.OfType(domain.TypeReturningSignal), 2)
}

func TestAnswerForUnknownLinkIsDropped(t *testing.T) {
	h := newHarness(t, "a")
	h.answer("ghost")
	h.noLink("ghost")
	assert.Zero(t, h.factory.Created())
}

func TestCandidates(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	peer := h.factory.Last("b")

	h.deliver(domain.SignalMessage{
		Type:      domain.TypeICECandidate,
		From:      "b",
		Candidate: json.RawMessage(`{"candidate":"remote"}`),
	})
	require.Len(t, peer.Candidates(), 1)

	h.deliver(domain.SignalMessage{Type: domain.TypeICECandidate, From: "ghost", Candidate: json.RawMessage(`{}`)})

	peer.EmitCandidate("local")
	h.sync()
	sent := h.signaler.OfType(domain.TypeICECandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, "b", sent[0].To)
}

func TestReconnectWithHealthyLinkIsIgnored(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")
	created := h.factory.Created()

	h.deliver(domain.SignalMessage{Type: domain.TypeReconnectWithPeer, PeerID: "b", Username: "B"})

	assert.Equal(t, created, h.factory.Created())
	assert.False(t, h.factory.Last("b").Closed())
}

func TestReconnectWithStreamlessLinkRecreates(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	old := h.factory.Last("b")
	old.Connect()
	h.sync()
	require.Equal(t, mesh.StateConnected, h.link("b").State)
	require.False(t, h.link("b").Healthy)

	h.deliver(domain.SignalMessage{Type: domain.TypeReconnectWithPeer, PeerID: "b", Username: "B"})

	assert.True(t, old.Closed())
	assert.NotSame(t, old, h.factory.Last("b"))
	l := h.link("b")
	assert.Equal(t, mesh.RoleInitiator, l.Role)
	assert.Equal(t, mesh.StateNegotiating, l.State)
}

func TestReconnectWithUnknownPeerCreatesLink(t *testing.T) {
	h := newHarness(t, "a")

	h.deliver(domain.SignalMessage{Type: domain.TypeReconnectWithPeer, PeerID: "b", Username: "B"})

	assert.Equal(t, mesh.RoleInitiator, h.link("b").Role)
}

func TestTransportFailureRestartsICE(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")
	peer := h.factory.Last("b")
	h.signaler.Reset()

	peer.Fail()
	h.sync()

	assert.Equal(t, 1, peer.Restarts())
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)
	offers := h.signaler.OfType(domain.TypeSendingSignal)
	require.Len(t, offers, 1)
	assert.True(t, offers[0].Restart)

	peer.Connect()
	h.sync()
	assert.Equal(t, mesh.StateConnected, h.link("b").State)
	assert.Same(t, peer, h.factory.Last("b"))
}

func TestRepeatedFailureEscalatesToRecreate(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")
	peer := h.factory.Last("b")

	peer.Fail()
	h.sync()
	peer.Fail()
	h.sync()

	assert.Equal(t, 1, peer.Restarts())
	assert.True(t, peer.Closed())
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)

	h.advance(recoveryDelay)
	assert.NotSame(t, peer, h.factory.Last("b"))
	assert.Equal(t, mesh.StateNegotiating, h.link("b").State)
}

func TestTransportFailureWithoutRestartRecreatesAfterDelay(t *testing.T) {
	h := newHarness(t, "a", func(_ *mesh.Options, f *meshtest.Factory) { f.NoRestart = true })
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")
	peer := h.factory.Last("b")
	created := h.factory.Created()

	peer.Disconnect()
	h.sync()

	assert.True(t, peer.Closed())
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)
	assert.Equal(t, created, h.factory.Created())

	h.advance(recoveryDelay - time.Millisecond)
	assert.Equal(t, created, h.factory.Created())

	h.advance(time.Millisecond)
	assert.Equal(t, created+1, h.factory.Created())
	l := h.link("b")
	assert.Equal(t, mesh.RoleInitiator, l.Role)
	assert.Equal(t, mesh.StateNegotiating, l.State)
}

func TestResponderFailureRequestsReconnection(t *testing.T) {
	h := newHarness(t, "b")
	h.offer("a", false)
	h.offer("c", false)
	h.connected("a")
	h.connected("c")

	h.factory.Last("a").Fail()
	h.sync()
	h.factory.Last("c").Fail()
	h.sync()

	reqs := h.signaler.OfType(domain.TypeRequestReconnection)
	require.Len(t, reqs, 1, "second request is throttled")
	assert.Equal(t, "room1", reqs[0].RoomID)
	assert.Equal(t, mesh.StateRecovering, h.link("a").State)
	assert.Equal(t, mesh.StateRecovering, h.link("c").State)
}

func TestResponderRecoversThroughRestartOffer(t *testing.T) {
	h := newHarness(t, "b")
	h.offer("a", false)
	h.connected("a")
	peer := h.factory.Last("a")

	peer.Fail()
	h.sync()
	require.Len(t, h.signaler.OfType(domain.TypeRequestReconnection), 1)
	assert.Equal(t, mesh.StateRecovering, h.link("a").State)

	h.offer("a", true)
	peer.Connect()
	h.sync()

	l := h.link("a")
	assert.Equal(t, mesh.StateConnected, l.State)
	assert.True(t, l.Healthy)
	assert.Same(t, peer, h.factory.Last("a"))
	assert.Len(t, h.signaler.OfType(domain.TypeReturningSignal), 2)
}

func TestResponderPeerErrorRequestsReconnectionAfterDelay(t *testing.T) {
	h := newHarness(t, "b")
	h.offer("a", false)
	peer := h.factory.Last("a")

	peer.EmitError(errors.New("boom"))
	h.sync()
	peer.EmitError(errors.New("boom again"))
	h.sync()

	assert.Empty(t, h.signaler.OfType(domain.TypeRequestReconnection))
	assert.False(t, peer.Closed())

	h.advance(recoveryDelay - time.Millisecond)
	assert.Empty(t, h.signaler.OfType(domain.TypeRequestReconnection))

	h.advance(time.Millisecond)
	reqs := h.signaler.OfType(domain.TypeRequestReconnection)
	require.Len(t, reqs, 1)
	assert.Equal(t, "room1", reqs[0].RoomID)

	h.advance(recoveryDelay)
	assert.Len(t, h.signaler.OfType(domain.TypeRequestReconnection), 1)
}

func TestResponderPeerErrorSkipsRequestOnceHealthy(t *testing.T) {
	h := newHarness(t, "b")
	h.offer("a", false)
	peer := h.factory.Last("a")

	peer.EmitError(errors.New("boom"))
	h.sync()
	h.connected("a")

	h.advance(recoveryDelay)
	assert.Empty(t, h.signaler.OfType(domain.TypeRequestReconnection))
}

func TestPeerErrorRecreatesAfterDelay(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	peer := h.factory.Last("b")

	peer.EmitError(errors.New("boom"))
	h.sync()

	assert.True(t, peer.Closed())
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)

	h.advance(recoveryDelay)
	assert.NotSame(t, peer, h.factory.Last("b"))
}

func TestMediaStallRequestsReconnection(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b", "c")
	h.answer("b")
	h.answer("c")

	h.factory.Last("b").Connect()
	h.connected("c")

	h.advance(stallTimeout)

	assert.Len(t, h.signaler.OfType(domain.TypeRequestReconnection), 1)
	assert.Equal(t, mesh.StateConnected, h.link("b").State)
}

func TestNoStallWhenStreamArrives(t *testing.T) {
	var streams []string
	h := newHarness(t, "a", func(o *mesh.Options, _ *meshtest.Factory) {
		o.OnStream = func(peerID, streamID string) { streams = append(streams, peerID) }
	})
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")

	h.advance(stallTimeout)

	assert.Empty(t, h.signaler.OfType(domain.TypeRequestReconnection))
	h.sync()
	assert.Equal(t, []string{"b"}, streams)
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	peer := h.factory.Last("b")

	h.advance(negotiationTimeout)
	assert.True(t, peer.Closed())
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)

	h.advance(recoveryDelay)
	assert.Equal(t, mesh.StateNegotiating, h.link("b").State)
	assert.Len(t, h.factory.Peers("b"), 2)
}

func TestNegotiationTimerStopsOnConnect(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.answer("b")
	h.connected("b")

	h.advance(negotiationTimeout)
	assert.Len(t, h.factory.Peers("b"), 1)
	assert.True(t, h.link("b").Healthy)
}

func TestFactoryFailureRetries(t *testing.T) {
	h := newHarness(t, "a")
	h.factory.SetFail(true)

	h.roster("a", "b")
	assert.Equal(t, mesh.StateRecovering, h.link("b").State)

	h.factory.SetFail(false)
	h.advance(recoveryDelay)
	assert.Equal(t, mesh.StateNegotiating, h.link("b").State)
	assert.Len(t, h.signaler.OfType(domain.TypeSendingSignal), 1)
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	h.deliver(domain.SignalMessage{Type: domain.TypeUserLeft, ID: "b"})
	h.deliver(domain.SignalMessage{Type: domain.TypeUserJoin, CallerID: "b", Username: "B"})
	h.answer("b")
	h.connected("b")

	// timers armed for the first link must not touch the second one
	h.advance(negotiationTimeout)
	assert.True(t, h.link("b").Healthy)
	assert.Len(t, h.factory.Peers("b"), 2)
}

func TestLeaveTearsDownEverything(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b", "c")
	h.factory.Last("b").EmitError(errors.New("boom"))
	h.sync()
	require.Positive(t, h.clock.Pending())

	require.NoError(t, h.coord.Leave())
	h.sync()

	st := h.coord.Status()
	assert.Empty(t, st.Links)
	assert.False(t, st.Joined)
	assert.Zero(t, h.clock.Pending())
	assert.True(t, h.factory.Last("c").Closed())
	assert.Len(t, h.signaler.OfType(domain.TypeLeaveRoom), 1)

	require.NoError(t, h.coord.Leave())
	h.sync()
	assert.Len(t, h.signaler.OfType(domain.TypeLeaveRoom), 1)

	h.roster("a", "b")
	assert.Empty(t, h.coord.Status().Links)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	peer := h.factory.Last("b")

	h.coord.Close()
	h.coord.Close()

	assert.True(t, peer.Closed())
	assert.Empty(t, h.coord.Status().Links)
	assert.ErrorIs(t, h.coord.HandleMessage(domain.SignalMessage{Type: domain.TypeRoomUsers}), mesh.ErrClosed)
	assert.ErrorIs(t, h.coord.Join("room1", "A"), mesh.ErrClosed)
	assert.ErrorIs(t, h.coord.Sync(context.Background()), mesh.ErrClosed)
}

func TestNewConnectionIDResetsAndRejoins(t *testing.T) {
	h := newHarness(t, "a")
	h.roster("a", "b")
	peer := h.factory.Last("b")

	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a2"})

	assert.True(t, peer.Closed())
	st := h.coord.Status()
	assert.Equal(t, "a2", st.SelfID)
	assert.Empty(t, st.Links)
	assert.Len(t, h.signaler.OfType(domain.TypeJoinRoom), 2)

	h.roster("b", "a2")
	assert.Equal(t, mesh.RoleInitiator, h.link("b").Role)
}

func TestJoinAfterMediaAcquired(t *testing.T) {
	media := meshtest.NewMedia(nil)
	h := newHarness(t, "", func(o *mesh.Options, _ *meshtest.Factory) { o.Media = media })
	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a"})

	require.NoError(t, h.coord.Join("room1", "A"))
	h.sync()
	assert.Empty(t, h.signaler.OfType(domain.TypeJoinRoom))
	assert.False(t, h.coord.Status().Joined)

	media.Release()
	require.Eventually(t, func() bool {
		return len(h.signaler.OfType(domain.TypeJoinRoom)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, media.Calls())
}

func TestMediaFailureJoinsSignalingOnly(t *testing.T) {
	media := meshtest.NewMedia(errors.New("no device"))
	h := newHarness(t, "", func(o *mesh.Options, _ *meshtest.Factory) { o.Media = media })
	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a"})
	require.NoError(t, h.coord.Join("room1", "A"))

	media.Release()
	require.Eventually(t, func() bool {
		return h.coord.Status().Joined
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.signaler.OfType(domain.TypeJoinRoom), 1)
}

func TestLeaveDuringMediaAcquisition(t *testing.T) {
	media := meshtest.NewMedia(nil)
	h := newHarness(t, "", func(o *mesh.Options, _ *meshtest.Factory) { o.Media = media })
	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a"})

	require.NoError(t, h.coord.Join("room1", "A"))
	h.sync()
	require.NoError(t, h.coord.Leave())
	h.sync()

	media.Release()
	time.Sleep(20 * time.Millisecond)
	h.sync()

	assert.Empty(t, h.signaler.OfType(domain.TypeJoinRoom))
	assert.False(t, h.coord.Status().Joined)
}

func TestCloseDuringMediaAcquisition(t *testing.T) {
	media := meshtest.NewMedia(nil)
	h := newHarness(t, "", func(o *mesh.Options, _ *meshtest.Factory) { o.Media = media })
	h.deliver(domain.SignalMessage{Type: domain.TypeConnected, ID: "a"})
	require.NoError(t, h.coord.Join("room1", "A"))
	h.sync()

	h.coord.Close()

	assert.Empty(t, h.signaler.OfType(domain.TypeJoinRoom))
}
