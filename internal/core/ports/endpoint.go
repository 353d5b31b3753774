package ports

import "chatrelay/internal/core/domain"

// Endpoint is the hub's view of one live client connection.
type Endpoint interface {
	ID() domain.ConnectionID
	Identity() domain.Identity
	// TrySend enqueues a frame without blocking and reports whether it was
	// accepted.
	TrySend(frame []byte) bool
	// Close terminates the connection with a WebSocket close code.
	Close(code int, reason string)
}
