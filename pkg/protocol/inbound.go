package protocol

import (
	"encoding/json"
	"fmt"

	"chatrelay/pkg/validation"
)

// Inbound event tags (client -> relay).
const (
	TypeAuthenticate    = "authenticate"
	TypeJoinRoom        = "join-room"
	TypeLeaveRoom       = "leave-room"
	TypeTyping          = "typing"
	TypeStopTyping      = "stop-typing"
	TypeCallInvite      = "call-invite"
	TypeCallJoin        = "call-join"
	TypeCallReject      = "call-reject"
	TypeCallLeave       = "call-leave"
	TypeCallEnd         = "call-end"
	TypeCallOffer       = "call-offer"
	TypeCallAnswer      = "call-answer"
	TypeCallICE         = "call-ice"
	TypeCallMuted       = "call-muted"
	TypeCallVideoOff    = "call-video-off"
	TypeCallScreenStart = "call-screen-start"
	TypeCallScreenStop  = "call-screen-stop"
)

// Inbound is one variant of the client -> relay tagged union.
type Inbound interface {
	InboundType() string
	Validate() error
}

type Authenticate struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type Typing struct {
	RoomID string `json:"roomId"`
}

type StopTyping struct {
	RoomID string `json:"roomId"`
}

type CallInvite struct {
	CallID  string   `json:"callId"`
	ChatID  string   `json:"chatId"`
	Type    string   `json:"type"`
	Targets []string `json:"targets"`
}

type CallJoin struct {
	CallID string `json:"callId"`
}

type CallReject struct {
	CallID string `json:"callId"`
}

type CallLeave struct {
	CallID string `json:"callId"`
}

type CallEnd struct {
	CallID string `json:"callId"`
}

// CallOffer, CallAnswer and CallICE are point-to-point signaling messages.
// CallID is optional; the relay falls back to the sender's current call.
type CallOffer struct {
	To     string          `json:"to"`
	CallID string          `json:"callId,omitempty"`
	Offer  json.RawMessage `json:"offer"`
}

type CallAnswer struct {
	To     string          `json:"to"`
	CallID string          `json:"callId,omitempty"`
	Answer json.RawMessage `json:"answer"`
}

type CallICE struct {
	To        string          `json:"to"`
	CallID    string          `json:"callId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallMuted struct {
	CallID  string `json:"callId"`
	IsMuted bool   `json:"isMuted"`
}

type CallVideoOff struct {
	CallID     string `json:"callId"`
	IsVideoOff bool   `json:"isVideoOff"`
}

type CallScreenStart struct {
	CallID string `json:"callId"`
}

type CallScreenStop struct {
	CallID string `json:"callId"`
}

func (Authenticate) InboundType() string    { return TypeAuthenticate }
func (JoinRoom) InboundType() string        { return TypeJoinRoom }
func (LeaveRoom) InboundType() string       { return TypeLeaveRoom }
func (Typing) InboundType() string          { return TypeTyping }
func (StopTyping) InboundType() string      { return TypeStopTyping }
func (CallInvite) InboundType() string      { return TypeCallInvite }
func (CallJoin) InboundType() string        { return TypeCallJoin }
func (CallReject) InboundType() string      { return TypeCallReject }
func (CallLeave) InboundType() string       { return TypeCallLeave }
func (CallEnd) InboundType() string         { return TypeCallEnd }
func (CallOffer) InboundType() string       { return TypeCallOffer }
func (CallAnswer) InboundType() string      { return TypeCallAnswer }
func (CallICE) InboundType() string         { return TypeCallICE }
func (CallMuted) InboundType() string       { return TypeCallMuted }
func (CallVideoOff) InboundType() string    { return TypeCallVideoOff }
func (CallScreenStart) InboundType() string { return TypeCallScreenStart }
func (CallScreenStop) InboundType() string  { return TypeCallScreenStop }

func (e Authenticate) Validate() error {
	return validation.ValidateNonEmptyString(e.Token, "token")
}

func (e JoinRoom) Validate() error   { return validation.ValidateRoomID(e.RoomID) }
func (e LeaveRoom) Validate() error  { return validation.ValidateRoomID(e.RoomID) }
func (e Typing) Validate() error     { return validation.ValidateRoomID(e.RoomID) }
func (e StopTyping) Validate() error { return validation.ValidateRoomID(e.RoomID) }

func (e CallInvite) Validate() error {
	if err := validation.ValidateID(e.CallID, "callId"); err != nil {
		return err
	}
	if err := validation.ValidateID(e.ChatID, "chatId"); err != nil {
		return err
	}
	if e.Type != "audio" && e.Type != "video" {
		return fmt.Errorf("type must be audio or video")
	}
	if len(e.Targets) == 0 {
		return fmt.Errorf("targets is required")
	}
	for _, t := range e.Targets {
		if err := validation.ValidateID(t, "target"); err != nil {
			return err
		}
	}
	return nil
}

func (e CallJoin) Validate() error        { return validation.ValidateID(e.CallID, "callId") }
func (e CallReject) Validate() error      { return validation.ValidateID(e.CallID, "callId") }
func (e CallLeave) Validate() error       { return validation.ValidateID(e.CallID, "callId") }
func (e CallEnd) Validate() error         { return validation.ValidateID(e.CallID, "callId") }
func (e CallMuted) Validate() error       { return validation.ValidateID(e.CallID, "callId") }
func (e CallVideoOff) Validate() error    { return validation.ValidateID(e.CallID, "callId") }
func (e CallScreenStart) Validate() error { return validation.ValidateID(e.CallID, "callId") }
func (e CallScreenStop) Validate() error  { return validation.ValidateID(e.CallID, "callId") }

func (e CallOffer) Validate() error {
	return validateSignal(e.To, e.CallID, e.Offer, "offer")
}

func (e CallAnswer) Validate() error {
	return validateSignal(e.To, e.CallID, e.Answer, "answer")
}

func (e CallICE) Validate() error {
	return validateSignal(e.To, e.CallID, e.Candidate, "candidate")
}

func validateSignal(to, callID string, body json.RawMessage, field string) error {
	if err := validation.ValidateID(to, "to"); err != nil {
		return err
	}
	if callID != "" {
		if err := validation.ValidateID(callID, "callId"); err != nil {
			return err
		}
	}
	if len(body) == 0 || string(body) == "null" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

var inboundFactories = map[string]func() Inbound{
	TypeAuthenticate:    func() Inbound { return &Authenticate{} },
	TypeJoinRoom:        func() Inbound { return &JoinRoom{} },
	TypeLeaveRoom:       func() Inbound { return &LeaveRoom{} },
	TypeTyping:          func() Inbound { return &Typing{} },
	TypeStopTyping:      func() Inbound { return &StopTyping{} },
	TypeCallInvite:      func() Inbound { return &CallInvite{} },
	TypeCallJoin:        func() Inbound { return &CallJoin{} },
	TypeCallReject:      func() Inbound { return &CallReject{} },
	TypeCallLeave:       func() Inbound { return &CallLeave{} },
	TypeCallEnd:         func() Inbound { return &CallEnd{} },
	TypeCallOffer:       func() Inbound { return &CallOffer{} },
	TypeCallAnswer:      func() Inbound { return &CallAnswer{} },
	TypeCallICE:         func() Inbound { return &CallICE{} },
	TypeCallMuted:       func() Inbound { return &CallMuted{} },
	TypeCallVideoOff:    func() Inbound { return &CallVideoOff{} },
	TypeCallScreenStart: func() Inbound { return &CallScreenStart{} },
	TypeCallScreenStop:  func() Inbound { return &CallScreenStop{} },
}

// DecodeInbound parses a raw frame into its typed variant. Unknown tags and
// payloads that fail their schema are rejected.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	factory, ok := inboundFactories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	ev := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("%w: invalid %s payload: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return deref(ev), nil
}

// deref returns the value form of a decoded variant so callers can type
// switch on plain struct types.
func deref(ev Inbound) Inbound {
	switch e := ev.(type) {
	case *Authenticate:
		return *e
	case *JoinRoom:
		return *e
	case *LeaveRoom:
		return *e
	case *Typing:
		return *e
	case *StopTyping:
		return *e
	case *CallInvite:
		return *e
	case *CallJoin:
		return *e
	case *CallReject:
		return *e
	case *CallLeave:
		return *e
	case *CallEnd:
		return *e
	case *CallOffer:
		return *e
	case *CallAnswer:
		return *e
	case *CallICE:
		return *e
	case *CallMuted:
		return *e
	case *CallVideoOff:
		return *e
	case *CallScreenStart:
		return *e
	case *CallScreenStop:
		return *e
	}
	return ev
}
