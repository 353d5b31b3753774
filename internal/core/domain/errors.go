package domain

import "errors"

var (
	ErrNotAuthenticated   = errors.New("connection not authenticated")
	ErrConnectionNotFound = errors.New("connection not found")

	ErrNotMember       = errors.New("identity is not a member of the room")
	ErrRoomNotJoinable = errors.New("room cannot be joined directly")

	ErrCallNotFound    = errors.New("call not found")
	ErrCallEnded       = errors.New("call has ended")
	ErrCallExists      = errors.New("call already exists")
	ErrNotInvited      = errors.New("identity is not invited to the call")
	ErrNotParticipant  = errors.New("identity is not a call participant")
	ErrAlreadyInCall   = errors.New("connection is already in another call")
	ErrNotInCall       = errors.New("connection is not in a call")
	ErrInvalidCallType = errors.New("invalid call type")
	ErrNoTargets       = errors.New("call invite has no targets")
	ErrSelfSignal      = errors.New("cannot signal to self")
)

// IsAuthorizationError reports errors that are refused silently on the socket.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrNotInvited) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrRoomNotJoinable)
}

// IsInvalidStateError reports errors surfaced to the requesting client only.
func IsInvalidStateError(err error) bool {
	return errors.Is(err, ErrCallNotFound) ||
		errors.Is(err, ErrCallEnded) ||
		errors.Is(err, ErrCallExists) ||
		errors.Is(err, ErrAlreadyInCall) ||
		errors.Is(err, ErrNotInCall)
}
