package domain

import "strings"

type ConnectionID string
type ChatID string
type CallID string

// RoomID names a broadcast domain. The prefix encodes the room kind.
type RoomID string

type RoomKind string

const (
	RoomKindConversation RoomKind = "conversation"
	RoomKindCall         RoomKind = "call"
	RoomKindPersonal     RoomKind = "personal"
	RoomKindGlobal       RoomKind = "global"
	RoomKindUnknown      RoomKind = "unknown"
)

const (
	conversationPrefix = "chat:"
	callPrefix         = "call:"
	personalPrefix     = "user:"

	GlobalRoom RoomID = "global"
)

// ConversationRoom returns the room id of a chat.
func ConversationRoom(id ChatID) RoomID {
	return RoomID(conversationPrefix + string(id))
}

// CallRoom returns the room id of a call.
func CallRoom(id CallID) RoomID {
	return RoomID(callPrefix + string(id))
}

// PersonalRoom returns the room id addressing every connection of an identity.
func PersonalRoom(id IdentityID) RoomID {
	return RoomID(personalPrefix + string(id))
}

// Kind reports which kind of room the identifier names.
func (r RoomID) Kind() RoomKind {
	s := string(r)
	switch {
	case r == GlobalRoom:
		return RoomKindGlobal
	case strings.HasPrefix(s, conversationPrefix) && len(s) > len(conversationPrefix):
		return RoomKindConversation
	case strings.HasPrefix(s, callPrefix) && len(s) > len(callPrefix):
		return RoomKindCall
	case strings.HasPrefix(s, personalPrefix) && len(s) > len(personalPrefix):
		return RoomKindPersonal
	default:
		return RoomKindUnknown
	}
}

// ChatID returns the conversation id for conversation rooms and "" otherwise.
func (r RoomID) ChatID() ChatID {
	if r.Kind() != RoomKindConversation {
		return ""
	}
	return ChatID(strings.TrimPrefix(string(r), conversationPrefix))
}

// CallID returns the call id for call rooms and "" otherwise.
func (r RoomID) CallID() CallID {
	if r.Kind() != RoomKindCall {
		return ""
	}
	return CallID(strings.TrimPrefix(string(r), callPrefix))
}

// IdentityID returns the owner of a personal room and "" otherwise.
func (r RoomID) IdentityID() IdentityID {
	if r.Kind() != RoomKindPersonal {
		return ""
	}
	return IdentityID(strings.TrimPrefix(string(r), personalPrefix))
}
