package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_JoinRoom(t *testing.T) {
	ev, err := DecodeInbound([]byte(`{"type":"join-room","payload":{"roomId":"chat:42"}}`))
	require.NoError(t, err)

	join, ok := ev.(JoinRoom)
	require.True(t, ok)
	assert.Equal(t, "chat:42", join.RoomID)
}

func TestDecodeInbound_UnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"teleport","payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeInbound_Malformed(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":`))
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	_, err = DecodeInbound([]byte(`{"payload":{}}`))
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestDecodeInbound_SchemaViolations(t *testing.T) {
	frames := map[string]string{
		"missing room":       `{"type":"join-room","payload":{}}`,
		"wrong field type":   `{"type":"join-room","payload":{"roomId":7}}`,
		"bad call type":      `{"type":"call-invite","payload":{"callId":"c1","chatId":"42","type":"hologram","targets":["bob"]}}`,
		"no targets":         `{"type":"call-invite","payload":{"callId":"c1","chatId":"42","type":"audio","targets":[]}}`,
		"offer without body": `{"type":"call-offer","payload":{"to":"bob"}}`,
		"offer null body":    `{"type":"call-offer","payload":{"to":"bob","offer":null}}`,
		"ice without target": `{"type":"call-ice","payload":{"candidate":{"candidate":"x"}}}`,
		"empty token":        `{"type":"authenticate","payload":{"token":"  "}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload), err.Error())
		})
	}
}

func TestDecodeInbound_SignalPayloadKeptRaw(t *testing.T) {
	frame := `{"type":"call-offer","payload":{"to":"bob","offer":{"type":"offer","sdp":"v=0\r\nx"}}}`
	ev, err := DecodeInbound([]byte(frame))
	require.NoError(t, err)

	offer := ev.(CallOffer)
	assert.Equal(t, "bob", offer.To)
	assert.Empty(t, offer.CallID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\nx"}`, string(offer.Offer))
}

func TestDecodeInbound_CallInvite(t *testing.T) {
	frame := `{"type":"call-invite","payload":{"callId":"c1","chatId":"42","type":"video","targets":["bob","carol"]}}`
	ev, err := DecodeInbound([]byte(frame))
	require.NoError(t, err)

	invite := ev.(CallInvite)
	assert.Equal(t, []string{"bob", "carol"}, invite.Targets)
	assert.Equal(t, "video", invite.Type)
}

func TestEncode_Envelope(t *testing.T) {
	data, err := Encode(CallEnded{CallID: "c1", EndedBy: "alice", Reason: EndReasonHangup, DurationMs: 1500})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeCallEnded, env.Type)
	assert.JSONEq(t, `{"callId":"c1","endedBy":"alice","reason":"ended","durationMs":1500}`, string(env.Payload))
}

func TestEncode_OpaquePassesPayloadThrough(t *testing.T) {
	payload := json.RawMessage(`{"_id":"m1","content":"hi","chatId":"42"}`)
	data, err := Encode(Opaque{Type: TypeReceiveMessage, Payload: payload})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeReceiveMessage, env.Type)
	assert.JSONEq(t, string(payload), string(env.Payload))
}

func TestDecodeOutbound(t *testing.T) {
	data, err := Encode(CallJoined{
		CallID: "c1",
		State:  "active",
		Participants: []ParticipantInfo{
			{ID: "alice", DisplayName: "Alice", IsMuted: true},
		},
	})
	require.NoError(t, err)

	ev, err := DecodeOutbound(data)
	require.NoError(t, err)
	joined, ok := ev.(CallJoined)
	require.True(t, ok)
	require.Len(t, joined.Participants, 1)
	assert.True(t, joined.Participants[0].IsMuted)
}

func TestDecodeOutbound_UntypedBecomesOpaque(t *testing.T) {
	ev, err := DecodeOutbound([]byte(`{"type":"messages-read","payload":{"chatId":"42"}}`))
	require.NoError(t, err)

	op, ok := ev.(Opaque)
	require.True(t, ok)
	assert.Equal(t, TypeMessagesRead, op.OutboundType())
	assert.JSONEq(t, `{"chatId":"42"}`, string(op.Payload))
}

func TestEncodeInbound_RoundTrip(t *testing.T) {
	data, err := EncodeInbound(CallMuted{CallID: "c1", IsMuted: true})
	require.NoError(t, err)

	ev, err := DecodeInbound(data)
	require.NoError(t, err)
	assert.Equal(t, CallMuted{CallID: "c1", IsMuted: true}, ev)
}
