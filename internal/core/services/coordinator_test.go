package services

import (
	"encoding/json"
	"testing"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type callScenario struct {
	*callFixture
	clock             *testClock
	alice, bob, carol *fakeEndpoint
}

func newCallScenario(t *testing.T) *callScenario {
	t.Helper()
	f := newCallFixture(t, CoordinatorConfig{MinRecordDuration: 2 * time.Second, EndedRetention: time.Minute})
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.coordinator.now = clock.now

	s := &callScenario{
		callFixture: f,
		clock:       clock,
		alice:       newEndpoint("a1", "alice"),
		bob:         newEndpoint("b1", "bob"),
		carol:       newEndpoint("c1", "carol"),
	}
	f.connect(s.alice, s.bob, s.carol)
	return s
}

func (s *callScenario) invite(t *testing.T, targets ...domain.IdentityID) {
	t.Helper()
	_, err := s.coordinator.Invite(s.alice.caller(), InviteRequest{
		CallID:  "call-1",
		ChatID:  "chat-1",
		Type:    domain.CallTypeVideo,
		Targets: targets,
	})
	require.NoError(t, err)
}

func (s *callScenario) drain(t *testing.T) {
	for _, ep := range []*fakeEndpoint{s.alice, s.bob, s.carol} {
		ep.events(t)
	}
}

func TestCoordinator_InviteRingsTargets(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob", "alice", "bob")

	events := s.bob.events(t)
	require.Len(t, events, 1)
	inv := events[0].(protocol.CallInvitation)
	assert.Equal(t, "call-1", inv.CallID)
	assert.Equal(t, "chat-1", inv.ChatID)
	assert.Equal(t, "video", inv.Type)
	assert.Equal(t, "alice", inv.From.ID)

	assert.Empty(t, s.alice.events(t), "inviter is never invited to their own call")
	assert.Empty(t, s.carol.events(t))

	snap, ok := s.coordinator.Snapshot("call-1")
	require.True(t, ok)
	assert.Equal(t, domain.CallStateInvited, snap.State)
	assert.Equal(t, []domain.IdentityID{"bob"}, snap.Pending)
	assert.True(t, s.registry.Contains(domain.CallRoom("call-1"), "a1"))
}

func TestCoordinator_InviteValidation(t *testing.T) {
	s := newCallScenario(t)

	_, err := s.coordinator.Invite(s.alice.caller(), InviteRequest{CallID: "x", ChatID: "c", Type: "fax", Targets: []domain.IdentityID{"bob"}})
	assert.ErrorIs(t, err, domain.ErrInvalidCallType)

	_, err = s.coordinator.Invite(s.alice.caller(), InviteRequest{CallID: "x", ChatID: "c", Type: domain.CallTypeAudio, Targets: []domain.IdentityID{"alice"}})
	assert.ErrorIs(t, err, domain.ErrNoTargets)
	assert.Equal(t, 0, s.coordinator.ActiveCount())
}

func TestCoordinator_JoinActivatesCall(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	s.drain(t)

	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))

	bobEvents := s.bob.events(t)
	require.Len(t, bobEvents, 1)
	joined := bobEvents[0].(protocol.CallJoined)
	assert.Equal(t, "active", joined.State)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "alice", joined.Participants[0].ID)

	aliceEvents := s.alice.events(t)
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, protocol.ParticipantJoined{CallID: "call-1", UserID: "bob", DisplayName: "bob"}, aliceEvents[0])

	assert.True(t, s.coordinator.IsCallParticipant("bob", "call-1"))
	id, ok := s.coordinator.CallOf("b1")
	assert.True(t, ok)
	assert.Equal(t, domain.CallID("call-1"), id)
}

func TestCoordinator_JoinRequiresInvitation(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")

	assert.ErrorIs(t, s.coordinator.Join(s.carol.caller(), "call-1"), domain.ErrNotInvited)
	assert.ErrorIs(t, s.coordinator.Join(s.carol.caller(), "nope"), domain.ErrCallNotFound)
	assert.False(t, s.registry.Contains(domain.CallRoom("call-1"), "c1"))
}

func TestCoordinator_RejectDiscardsUnansweredCall(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	s.drain(t)

	require.NoError(t, s.coordinator.Reject(s.bob.caller(), "call-1"))

	assert.Equal(t, []string{protocol.TypeCallRejected, protocol.TypeCallEnded}, s.alice.types(t))
	snap, _ := s.coordinator.Snapshot("call-1")
	assert.Equal(t, domain.CallStateEnded, snap.State)
	assert.Empty(t, s.records, "a call nobody joined is never recorded")
	assert.Equal(t, 0, s.registry.MemberCount(domain.CallRoom("call-1")))

	_, busy := s.coordinator.CallOf("a1")
	assert.False(t, busy, "inviter is free to start another call")
}

func TestCoordinator_RejectKeepsCallWhileOthersRing(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob", "carol")

	require.NoError(t, s.coordinator.Reject(s.bob.caller(), "call-1"))
	snap, _ := s.coordinator.Snapshot("call-1")
	assert.Equal(t, domain.CallStateInvited, snap.State)
	assert.Equal(t, []domain.IdentityID{"carol"}, snap.Pending)

	assert.ErrorIs(t, s.coordinator.Reject(s.bob.caller(), "call-1"), domain.ErrNotInvited)
}

func TestCoordinator_LastLeaveEndsAndRecords(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	s.clock.advance(5 * time.Second)
	require.NoError(t, s.coordinator.Leave(s.alice.caller(), "call-1"))
	assert.Equal(t, []protocol.Outbound{protocol.ParticipantLeft{CallID: "call-1", UserID: "alice"}}, s.bob.events(t))
	assert.Empty(t, s.alice.events(t))

	require.NoError(t, s.coordinator.Leave(s.bob.caller(), "call-1"))

	require.Len(t, s.records, 1)
	rec := s.records[0]
	assert.Equal(t, domain.CallID("call-1"), rec.CallID)
	assert.Equal(t, domain.IdentityID("alice"), rec.InitiatorID)
	assert.Equal(t, []domain.IdentityID{"alice", "bob"}, rec.Participants)
	assert.Equal(t, 5*time.Second, rec.Duration)
	assert.Equal(t, 0, s.coordinator.ActiveCount())
}

func TestCoordinator_ShortCallIsNotRecorded(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	s.clock.advance(time.Second)
	require.NoError(t, s.coordinator.End(s.bob.caller(), "call-1"))

	events := s.alice.events(t)
	require.Len(t, events, 1)
	ended := events[0].(protocol.CallEnded)
	assert.Equal(t, "bob", ended.EndedBy)
	assert.Equal(t, protocol.EndReasonHangup, ended.Reason)
	assert.Equal(t, int64(1000), ended.DurationMs)
	assert.Empty(t, s.records)

	assert.ErrorIs(t, s.coordinator.Join(s.bob.caller(), "call-1"), domain.ErrCallEnded)
}

func TestCoordinator_EndNotifiesPendingInvitees(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob", "carol")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	require.NoError(t, s.coordinator.End(s.alice.caller(), "call-1"))
	assert.Equal(t, []string{protocol.TypeCallEnded}, s.carol.types(t))
	assert.Equal(t, []string{protocol.TypeCallEnded}, s.bob.types(t))

	assert.ErrorIs(t, s.coordinator.End(s.carol.caller(), "call-1"), domain.ErrCallEnded)
}

func TestCoordinator_EndRequiresParticipant(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	assert.ErrorIs(t, s.coordinator.End(s.bob.caller(), "call-1"), domain.ErrNotParticipant)
}

func TestCoordinator_SecondCallIsRefused(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")

	_, err := s.coordinator.Invite(s.alice.caller(), InviteRequest{
		CallID: "call-2", ChatID: "chat-1", Type: domain.CallTypeAudio, Targets: []domain.IdentityID{"carol"},
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)
}

func TestCoordinator_ExtendInvite(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	req := InviteRequest{CallID: "call-1", ChatID: "chat-1", Type: domain.CallTypeVideo, Targets: []domain.IdentityID{"carol", "alice"}}
	_, err := s.coordinator.Invite(s.bob.caller(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeCallInvitation}, s.carol.types(t))
	assert.Empty(t, s.alice.events(t), "current participants are not re-invited")

	dave := newEndpoint("d1", "dave")
	s.connect(dave)
	_, err = s.coordinator.Invite(dave.caller(), req)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	req.ChatID = "chat-2"
	_, err = s.coordinator.Invite(s.bob.caller(), req)
	assert.ErrorIs(t, err, domain.ErrCallExists)
}

func TestCoordinator_SignalIsPointToPoint(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob", "carol")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	require.NoError(t, s.coordinator.Join(s.carol.caller(), "call-1"))
	s.drain(t)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	d, err := s.coordinator.Signal(s.alice.caller(), Signal{Kind: SignalOffer, To: "bob", Payload: offer})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Delivered)

	events := s.bob.events(t)
	require.Len(t, events, 1)
	got := events[0].(protocol.OfferReceived)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "call-1", got.CallID)
	assert.JSONEq(t, string(offer), string(got.Offer))
	assert.Empty(t, s.carol.events(t), "signals never fan out")

	_, err = s.coordinator.Signal(s.bob.caller(), Signal{Kind: SignalICE, To: "carol", Payload: json.RawMessage(`{"candidate":"c"}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeICECandidate}, s.carol.types(t))
}

func TestCoordinator_SignalErrors(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	payload := json.RawMessage(`{"sdp":"x"}`)

	_, err := s.coordinator.Signal(s.bob.caller(), Signal{Kind: SignalAnswer, To: "alice", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrNotInCall)

	_, err = s.coordinator.Signal(s.alice.caller(), Signal{Kind: SignalOffer, To: "alice", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrSelfSignal)

	_, err = s.coordinator.Signal(s.alice.caller(), Signal{Kind: SignalOffer, To: "bob", CallID: "other", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrNotInCall)

	d, err := s.coordinator.Signal(s.alice.caller(), Signal{Kind: SignalOffer, To: "bob", Payload: payload})
	require.NoError(t, err, "a target outside the call room is a delivery miss")
	assert.Equal(t, Delivery{}, d)
}

func TestCoordinator_FlagsBroadcastAndCommit(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	require.NoError(t, s.coordinator.SetFlag(s.bob.caller(), "call-1", FlagMuted, true))
	require.NoError(t, s.coordinator.SetFlag(s.bob.caller(), "call-1", FlagScreenShare, true))
	require.NoError(t, s.coordinator.SetFlag(s.bob.caller(), "call-1", FlagScreenShare, false))

	assert.Equal(t, []protocol.Outbound{
		protocol.ParticipantMuted{CallID: "call-1", UserID: "bob", IsMuted: true},
		protocol.ScreenShareStarted{CallID: "call-1", UserID: "bob"},
		protocol.ScreenShareStopped{CallID: "call-1", UserID: "bob"},
	}, s.alice.events(t))
	assert.Empty(t, s.bob.events(t))

	snap, _ := s.coordinator.Snapshot("call-1")
	for _, p := range snap.Participants {
		if p.ID == "bob" {
			assert.True(t, p.Muted)
			assert.False(t, p.ScreenSharing)
		}
	}

	assert.ErrorIs(t, s.coordinator.SetFlag(s.carol.caller(), "call-1", FlagVideoOff, true), domain.ErrNotInCall)
}

func TestCoordinator_MultipleTabsShareParticipant(t *testing.T) {
	s := newCallScenario(t)
	bobTab := newEndpoint("b2", "bob")
	s.connect(bobTab)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.drain(t)

	require.NoError(t, s.coordinator.Join(bobTab.caller(), "call-1"))
	assert.Empty(t, s.alice.events(t), "second tab of the same identity is not a new participant")

	s.coordinator.Disconnect("b1")
	assert.Empty(t, s.alice.events(t))
	assert.True(t, s.coordinator.IsCallParticipant("bob", "call-1"))

	s.coordinator.Disconnect("b2")
	assert.Equal(t, []string{protocol.TypeParticipantLeft}, s.alice.types(t))
	assert.False(t, s.coordinator.IsCallParticipant("bob", "call-1"))
}

func TestCoordinator_DisconnectIsImplicitLeave(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Join(s.bob.caller(), "call-1"))
	s.clock.advance(3 * time.Second)

	s.coordinator.Disconnect("a1")
	s.coordinator.Disconnect("b1")

	snap, _ := s.coordinator.Snapshot("call-1")
	assert.Equal(t, domain.CallStateEnded, snap.State)
	require.Len(t, s.records, 1)
	assert.Equal(t, domain.IdentityID("bob"), s.records[0].EndedBy)
}

func TestCoordinator_SweepDropsOldCalls(t *testing.T) {
	s := newCallScenario(t)
	s.invite(t, "bob")
	require.NoError(t, s.coordinator.Reject(s.bob.caller(), "call-1"))

	assert.Equal(t, 0, s.coordinator.Sweep(), "recently ended calls are kept")
	s.clock.advance(2 * time.Minute)
	assert.Equal(t, 1, s.coordinator.Sweep())

	_, ok := s.coordinator.Snapshot("call-1")
	assert.False(t, ok)
	assert.ErrorIs(t, s.coordinator.Join(s.bob.caller(), "call-1"), domain.ErrCallNotFound)
}
