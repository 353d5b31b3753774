package memory

import (
	"context"
	"sync"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
)

const maxRecordsPerChat = 500

// MemoryCallRecordStore keeps the most recent call summaries per conversation,
// newest first. Saving a call id twice is a no-op so retried writes are safe.
type MemoryCallRecordStore struct {
	byChat map[domain.ChatID][]domain.CallRecord
	seen   map[domain.CallID]struct{}
	mu     sync.RWMutex
}

// NewMemoryCallRecordStore creates an in-memory call record store
func NewMemoryCallRecordStore() ports.CallRecordStore {
	return &MemoryCallRecordStore{
		byChat: make(map[domain.ChatID][]domain.CallRecord),
		seen:   make(map[domain.CallID]struct{}),
	}
}

func (s *MemoryCallRecordStore) SaveCallRecord(ctx context.Context, record domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[record.CallID]; dup {
		return nil
	}
	s.seen[record.CallID] = struct{}{}

	records := append([]domain.CallRecord{record}, s.byChat[record.ChatID]...)
	if len(records) > maxRecordsPerChat {
		for _, dropped := range records[maxRecordsPerChat:] {
			delete(s.seen, dropped.CallID)
		}
		records = records[:maxRecordsPerChat]
	}
	s.byChat[record.ChatID] = records
	return nil
}

func (s *MemoryCallRecordStore) ListCallRecords(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.byChat[chat]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	out := make([]domain.CallRecord, len(records))
	copy(out, records)
	return out, nil
}
