package ports

import (
	"context"

	"chatrelay/internal/core/domain"
)

// MembershipDirectory answers conversation membership questions. It is owned
// by the CRUD layer; the relay only reads it, except for the sync API.
type MembershipDirectory interface {
	IsConversationMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error)
}

// MembershipWriter lets the internal API push membership changes into the
// directory backing store.
type MembershipWriter interface {
	SetConversationMembers(ctx context.Context, chat domain.ChatID, members []domain.IdentityID) error
	AddConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error
	RemoveConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error
}

type MembershipStore interface {
	MembershipDirectory
	MembershipWriter
}

// CallRecordStore persists finalized call summaries.
type CallRecordStore interface {
	SaveCallRecord(ctx context.Context, record domain.CallRecord) error
	ListCallRecords(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error)
}
