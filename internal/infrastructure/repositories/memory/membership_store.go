package memory

import (
	"context"
	"sort"
	"sync"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"

	"github.com/samber/lo"
)

// MemoryMembershipStore keeps conversation membership pushed by the chat
// backend through the internal API.
type MemoryMembershipStore struct {
	chats map[domain.ChatID]map[domain.IdentityID]struct{}
	mu    sync.RWMutex
}

// NewMemoryMembershipStore creates an in-memory membership store
func NewMemoryMembershipStore() ports.MembershipStore {
	return &MemoryMembershipStore{
		chats: make(map[domain.ChatID]map[domain.IdentityID]struct{}),
	}
}

func (s *MemoryMembershipStore) IsConversationMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.chats[chat][identity]
	return ok, nil
}

// SetConversationMembers replaces the member list of a chat
func (s *MemoryMembershipStore) SetConversationMembers(ctx context.Context, chat domain.ChatID, members []domain.IdentityID) error {
	set := make(map[domain.IdentityID]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(set) == 0 {
		delete(s.chats, chat)
		return nil
	}
	s.chats[chat] = set
	return nil
}

func (s *MemoryMembershipStore) AddConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.chats[chat]
	if !ok {
		members = make(map[domain.IdentityID]struct{})
		s.chats[chat] = members
	}
	members[identity] = struct{}{}
	return nil
}

func (s *MemoryMembershipStore) RemoveConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.chats[chat]
	if !ok {
		return nil
	}
	delete(members, identity)
	if len(members) == 0 {
		delete(s.chats, chat)
	}
	return nil
}

// Members lists a conversation's members in a stable order.
func (s *MemoryMembershipStore) Members(chat domain.ChatID) []domain.IdentityID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.Keys(s.chats[chat])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
