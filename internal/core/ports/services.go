package ports

import (
	"context"

	"chatrelay/internal/core/domain"
)

// TokenVerifier turns a bearer credential into an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// CallParticipation reports whether an identity currently takes part in a call.
type CallParticipation interface {
	IsCallParticipant(ctx context.Context, identity domain.IdentityID, call domain.CallID) (bool, error)
}
