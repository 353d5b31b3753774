package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const maxCallHistory = 500

// RedisCallRecordStore stores each record in a hash and keeps a bounded,
// newest-first list of call ids per conversation.
type RedisCallRecordStore struct {
	client *redis.Client
	keys   keys
}

// NewRedisCallRecordStore creates a Redis-backed call record store
func NewRedisCallRecordStore(client *redis.Client, prefix string) ports.CallRecordStore {
	return &RedisCallRecordStore{client: client, keys: keys{prefix: prefix}}
}

// SaveCallRecord stores the record once and prepends it to the chat history
func (s *RedisCallRecordStore) SaveCallRecord(ctx context.Context, record domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	key := s.keys.record(string(record.CallID))
	created, err := s.client.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return fmt.Errorf("failed to store call record in Redis: %w", err)
	}
	if !created {
		// A retried write that already landed.
		return nil
	}

	history := s.keys.calls(string(record.ChatID))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"chat_id", string(record.ChatID),
			"type", string(record.Type),
			"duration_ms", record.Duration.Milliseconds(),
			"ended_at", record.EndedAt.Unix(),
		)
		pipe.LPush(ctx, history, string(record.CallID))
		pipe.LTrim(ctx, history, 0, maxCallHistory-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index call record in Redis: %w", err)
	}
	return nil
}

// ListCallRecords returns the newest records of a chat first
func (s *RedisCallRecordStore) ListCallRecords(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.LRange(ctx, s.keys.calls(string(chat)), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call records from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.CallRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keys.record(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load call records from Redis: %w", err)
	}

	records := make([]domain.CallRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec domain.CallRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
