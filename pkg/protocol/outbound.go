package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound event tags (relay -> client).
const (
	TypeConnected           = "connected"
	TypeAuthError           = "auth-error"
	TypeError               = "error"
	TypeRoomJoined          = "room-joined"
	TypeRoomLeft            = "room-left"
	TypeUserOnline          = "user-online"
	TypeUserOffline         = "user-offline"
	TypeUserTyping          = "user-typing"
	TypeUserStopTyping      = "user-stop-typing"
	TypeReceiveMessage      = "receive-message"
	TypeMessageUpdated      = "message-updated"
	TypeMessageDeleted      = "message-deleted"
	TypeMessagesRead        = "messages-read"
	TypeUserApproved        = "user-approved"
	TypeGlobalBroadcast     = "global-broadcast"
	TypeCallInvitation      = "call-invite"
	TypeCallJoined          = "call-joined"
	TypeParticipantJoined   = "call-participant-joined"
	TypeParticipantLeft     = "call-participant-left"
	TypeCallRejected        = "call-rejected"
	TypeCallEnded           = "call-ended"
	TypeOfferReceived       = "call-offer"
	TypeAnswerReceived      = "call-answer"
	TypeICECandidate        = "call-ice-candidate"
	TypeParticipantMuted    = "call-participant-muted"
	TypeParticipantVideoOff = "call-participant-video-off"
	TypeScreenShareStarted  = "call-screen-share-started"
	TypeScreenShareStopped  = "call-screen-share-stopped"
)

// Error codes carried by ErrorEvent.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnknownEvent      = "UNKNOWN_EVENT"
	CodeInvalidState      = "INVALID_STATE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Call end reasons.
const (
	EndReasonHangup   = "ended"
	EndReasonRejected = "rejected"
	EndReasonEmpty    = "empty"
)

// Outbound is one variant of the relay -> client tagged union.
type Outbound interface {
	OutboundType() string
}

type IdentityInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

type ParticipantInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoOff      bool   `json:"isVideoOff"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}

type Connected struct {
	ConnectionID string       `json:"connectionId"`
	Identity     IdentityInfo `json:"identity"`
}

type AuthError struct {
	Message string `json:"message"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref is the inbound tag that caused the error, when known.
	Ref string `json:"ref,omitempty"`
}

type RoomJoined struct {
	RoomID string `json:"roomId"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type UserTyping struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserStopTyping struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type CallInvitation struct {
	CallID string       `json:"callId"`
	ChatID string       `json:"chatId"`
	Type   string       `json:"type"`
	From   IdentityInfo `json:"from"`
}

type CallJoined struct {
	CallID       string            `json:"callId"`
	ChatID       string            `json:"chatId"`
	Type         string            `json:"type"`
	State        string            `json:"state"`
	Participants []ParticipantInfo `json:"participants"`
}

type ParticipantJoined struct {
	CallID      string `json:"callId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type ParticipantLeft struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallRejected struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallEnded struct {
	CallID     string `json:"callId"`
	EndedBy    string `json:"endedBy,omitempty"`
	Reason     string `json:"reason"`
	DurationMs int64  `json:"durationMs"`
}

type OfferReceived struct {
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	Offer  json.RawMessage `json:"offer"`
}

type AnswerReceived struct {
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type ICECandidateReceived struct {
	CallID    string          `json:"callId"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type ParticipantMuted struct {
	CallID  string `json:"callId"`
	UserID  string `json:"userId"`
	IsMuted bool   `json:"isMuted"`
}

type ParticipantVideoOff struct {
	CallID     string `json:"callId"`
	UserID     string `json:"userId"`
	IsVideoOff bool   `json:"isVideoOff"`
}

type ScreenShareStarted struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type ScreenShareStopped struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// Opaque carries an event whose payload the relay forwards untouched, such
// as chat messages published by the CRUD service.
type Opaque struct {
	Type    string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (Connected) OutboundType() string            { return TypeConnected }
func (AuthError) OutboundType() string            { return TypeAuthError }
func (ErrorEvent) OutboundType() string           { return TypeError }
func (RoomJoined) OutboundType() string           { return TypeRoomJoined }
func (RoomLeft) OutboundType() string             { return TypeRoomLeft }
func (UserOnline) OutboundType() string           { return TypeUserOnline }
func (UserOffline) OutboundType() string          { return TypeUserOffline }
func (UserTyping) OutboundType() string           { return TypeUserTyping }
func (UserStopTyping) OutboundType() string       { return TypeUserStopTyping }
func (CallInvitation) OutboundType() string       { return TypeCallInvitation }
func (CallJoined) OutboundType() string           { return TypeCallJoined }
func (ParticipantJoined) OutboundType() string    { return TypeParticipantJoined }
func (ParticipantLeft) OutboundType() string      { return TypeParticipantLeft }
func (CallRejected) OutboundType() string         { return TypeCallRejected }
func (CallEnded) OutboundType() string            { return TypeCallEnded }
func (OfferReceived) OutboundType() string        { return TypeOfferReceived }
func (AnswerReceived) OutboundType() string       { return TypeAnswerReceived }
func (ICECandidateReceived) OutboundType() string { return TypeICECandidate }
func (ParticipantMuted) OutboundType() string     { return TypeParticipantMuted }
func (ParticipantVideoOff) OutboundType() string  { return TypeParticipantVideoOff }
func (ScreenShareStarted) OutboundType() string   { return TypeScreenShareStarted }
func (ScreenShareStopped) OutboundType() string   { return TypeScreenShareStopped }
func (o Opaque) OutboundType() string             { return o.Type }

// PublishableTypes are the opaque event tags accepted from the CRUD service.
var PublishableTypes = map[string]bool{
	TypeReceiveMessage:  true,
	TypeMessageUpdated:  true,
	TypeMessageDeleted:  true,
	TypeMessagesRead:    true,
	TypeUserApproved:    true,
	TypeGlobalBroadcast: true,
}

var outboundFactories = map[string]func() Outbound{
	TypeConnected:           func() Outbound { return &Connected{} },
	TypeAuthError:           func() Outbound { return &AuthError{} },
	TypeError:               func() Outbound { return &ErrorEvent{} },
	TypeRoomJoined:          func() Outbound { return &RoomJoined{} },
	TypeRoomLeft:            func() Outbound { return &RoomLeft{} },
	TypeUserOnline:          func() Outbound { return &UserOnline{} },
	TypeUserOffline:         func() Outbound { return &UserOffline{} },
	TypeUserTyping:          func() Outbound { return &UserTyping{} },
	TypeUserStopTyping:      func() Outbound { return &UserStopTyping{} },
	TypeCallInvitation:      func() Outbound { return &CallInvitation{} },
	TypeCallJoined:          func() Outbound { return &CallJoined{} },
	TypeParticipantJoined:   func() Outbound { return &ParticipantJoined{} },
	TypeParticipantLeft:     func() Outbound { return &ParticipantLeft{} },
	TypeCallRejected:        func() Outbound { return &CallRejected{} },
	TypeCallEnded:           func() Outbound { return &CallEnded{} },
	TypeOfferReceived:       func() Outbound { return &OfferReceived{} },
	TypeAnswerReceived:      func() Outbound { return &AnswerReceived{} },
	TypeICECandidate:        func() Outbound { return &ICECandidateReceived{} },
	TypeParticipantMuted:    func() Outbound { return &ParticipantMuted{} },
	TypeParticipantVideoOff: func() Outbound { return &ParticipantVideoOff{} },
	TypeScreenShareStarted:  func() Outbound { return &ScreenShareStarted{} },
	TypeScreenShareStopped:  func() Outbound { return &ScreenShareStopped{} },
}

// DecodeOutbound parses a relay frame on the client side. Tags without a
// typed schema decode to Opaque.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	factory, ok := outboundFactories[env.Type]
	if !ok {
		return Opaque{Type: env.Type, Payload: env.Payload}, nil
	}
	ev := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("%w: invalid %s payload: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	return derefOutbound(ev), nil
}

func derefOutbound(ev Outbound) Outbound {
	switch e := ev.(type) {
	case *Connected:
		return *e
	case *AuthError:
		return *e
	case *ErrorEvent:
		return *e
	case *RoomJoined:
		return *e
	case *RoomLeft:
		return *e
	case *UserOnline:
		return *e
	case *UserOffline:
		return *e
	case *UserTyping:
		return *e
	case *UserStopTyping:
		return *e
	case *CallInvitation:
		return *e
	case *CallJoined:
		return *e
	case *ParticipantJoined:
		return *e
	case *ParticipantLeft:
		return *e
	case *CallRejected:
		return *e
	case *CallEnded:
		return *e
	case *OfferReceived:
		return *e
	case *AnswerReceived:
		return *e
	case *ICECandidateReceived:
		return *e
	case *ParticipantMuted:
		return *e
	case *ParticipantVideoOff:
		return *e
	case *ScreenShareStarted:
		return *e
	case *ScreenShareStopped:
		return *e
	}
	return ev
}
