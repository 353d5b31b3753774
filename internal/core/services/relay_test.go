package services

import (
	"testing"

	"chatrelay/internal/core/domain"
	"chatrelay/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRelayFixture(t *testing.T) (*Registry, *Relay) {
	registry := NewRegistry()
	return registry, NewRelay(registry, nil, zaptest.NewLogger(t).Sugar())
}

func TestRelay_ToRoomExceptSender(t *testing.T) {
	registry, relay := newRelayFixture(t)
	a, b, c := newEndpoint("a", "alice"), newEndpoint("b", "bob"), newEndpoint("c", "carol")
	room := domain.ConversationRoom("42")
	for _, ep := range []*fakeEndpoint{a, b, c} {
		relay.Attach(ep)
	}
	registry.Join("a", room)
	registry.Join("b", room)

	d := relay.Publish(ToRoom{Room: room, Except: "a"}, protocol.UserTyping{RoomID: string(room), UserID: "alice"})

	assert.Equal(t, Delivery{Recipients: 1, Delivered: 1}, d)
	assert.Empty(t, a.events(t))
	assert.Equal(t, []string{protocol.TypeUserTyping}, b.types(t))
	assert.Empty(t, c.events(t), "non-members never receive room events")
}

func TestRelay_ToIdentityReachesEveryTab(t *testing.T) {
	registry, relay := newRelayFixture(t)
	tab1, tab2 := newEndpoint("t1", "bob"), newEndpoint("t2", "bob")
	relay.Attach(tab1)
	relay.Attach(tab2)
	registry.Join("t1", domain.PersonalRoom("bob"))
	registry.Join("t2", domain.PersonalRoom("bob"))

	d := relay.Publish(ToIdentity{ID: "bob"}, protocol.Opaque{Type: protocol.TypeUserApproved})
	assert.Equal(t, 2, d.Delivered)
	assert.Equal(t, []string{protocol.TypeUserApproved}, tab1.types(t))
	assert.Equal(t, []string{protocol.TypeUserApproved}, tab2.types(t))
}

func TestRelay_EmptyRoomIsDeliveryMiss(t *testing.T) {
	_, relay := newRelayFixture(t)
	d := relay.Publish(ToRoom{Room: domain.ConversationRoom("nobody")}, protocol.Opaque{Type: protocol.TypeReceiveMessage})
	assert.Equal(t, Delivery{}, d)
}

func TestRelay_FullQueueDrops(t *testing.T) {
	registry, relay := newRelayFixture(t)
	slow := newEndpoint("s", "slow")
	slow.capacity = 1
	fast := newEndpoint("f", "fast")
	relay.Attach(slow)
	relay.Attach(fast)
	registry.Join("s", domain.GlobalRoom)
	registry.Join("f", domain.GlobalRoom)

	relay.Publish(ToGlobal{}, protocol.UserOnline{UserID: "x"})
	d := relay.Publish(ToGlobal{}, protocol.UserOnline{UserID: "y"})

	assert.Equal(t, Delivery{Recipients: 2, Delivered: 1, Dropped: 1}, d)
	assert.Len(t, fast.events(t), 2)
	assert.Len(t, slow.events(t), 1)
}

func TestRelay_SlowSignalingRecipientIsClosed(t *testing.T) {
	registry, relay := newRelayFixture(t)
	bob := newEndpoint("b1", "bob")
	bob.capacity = 0
	relay.Attach(bob)
	registry.Join("b1", domain.PersonalRoom("bob"))

	d := relay.Publish(ToIdentity{ID: "bob"}, protocol.UserOnline{UserID: "x"})
	assert.Equal(t, 1, d.Dropped)
	assert.False(t, bob.isClosed(), "presence may be dropped")

	d = relay.Publish(ToIdentity{ID: "bob"}, protocol.OfferReceived{CallID: "c1", From: "alice", Offer: []byte(`{"type":"offer","sdp":"v=0"}`)})
	assert.Equal(t, Delivery{Recipients: 1, Dropped: 1}, d)
	assert.True(t, bob.isClosed(), "a lost offer closes the recipient")
}

func TestRelay_PreservesPublishOrder(t *testing.T) {
	registry, relay := newRelayFixture(t)
	ep := newEndpoint("a", "alice")
	relay.Attach(ep)
	room := domain.ConversationRoom("42")
	registry.Join("a", room)

	for _, id := range []string{"m1", "m2", "m3"} {
		relay.Publish(ToRoom{Room: room}, protocol.UserStopTyping{RoomID: id})
	}

	var got []string
	for _, ev := range ep.events(t) {
		got = append(got, ev.(protocol.UserStopTyping).RoomID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
}

func TestRelay_DetachedConnectionIsDropped(t *testing.T) {
	registry, relay := newRelayFixture(t)
	ep := newEndpoint("a", "alice")
	relay.Attach(ep)
	registry.Join("a", domain.GlobalRoom)
	relay.Detach("a")

	d := relay.Publish(ToGlobal{}, protocol.UserOffline{UserID: "x"})
	assert.Equal(t, 1, d.Dropped)
	require.False(t, relay.Send("a", protocol.UserOffline{UserID: "x"}))
}
