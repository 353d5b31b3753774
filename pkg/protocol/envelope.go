// Package protocol defines the JSON frames exchanged between chat clients and
// the relay. Every frame is an Envelope whose Type selects the payload schema.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps an outbound event in its envelope.
func Encode(ev Outbound) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.OutboundType(), err)
	}
	if o, ok := ev.(Opaque); ok {
		payload = o.Payload
	}
	return json.Marshal(Envelope{Type: ev.OutboundType(), Payload: payload})
}

// EncodeInbound wraps a client event in its envelope.
func EncodeInbound(ev Inbound) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.InboundType(), err)
	}
	return json.Marshal(Envelope{Type: ev.InboundType(), Payload: payload})
}
