package redis

import (
	"context"
	"fmt"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// RedisMembershipStore keeps one set of identity ids per conversation.
type RedisMembershipStore struct {
	client *redis.Client
	keys   keys
}

// NewRedisMembershipStore creates a Redis-backed membership store
func NewRedisMembershipStore(client *redis.Client, prefix string) ports.MembershipStore {
	return &RedisMembershipStore{client: client, keys: keys{prefix: prefix}}
}

func (s *RedisMembershipStore) IsConversationMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.keys.members(string(chat)), string(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check membership in Redis: %w", err)
	}
	return ok, nil
}

// SetConversationMembers replaces the whole member set atomically.
func (s *RedisMembershipStore) SetConversationMembers(ctx context.Context, chat domain.ChatID, members []domain.IdentityID) error {
	key := s.keys.members(string(chat))
	ids := lo.Map(lo.Uniq(members), func(id domain.IdentityID, _ int) interface{} { return string(id) })

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(ids) > 0 {
			pipe.SAdd(ctx, key, ids...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace members in Redis: %w", err)
	}
	return nil
}

func (s *RedisMembershipStore) AddConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error {
	if err := s.client.SAdd(ctx, s.keys.members(string(chat)), string(identity)).Err(); err != nil {
		return fmt.Errorf("failed to add member in Redis: %w", err)
	}
	return nil
}

func (s *RedisMembershipStore) RemoveConversationMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) error {
	if err := s.client.SRem(ctx, s.keys.members(string(chat)), string(identity)).Err(); err != nil {
		return fmt.Errorf("failed to remove member in Redis: %w", err)
	}
	return nil
}
