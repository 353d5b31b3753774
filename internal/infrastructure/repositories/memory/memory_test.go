package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMembershipStore().(*MemoryMembershipStore)

	ok, err := store.IsConversationMember(ctx, "alice", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetConversationMembers(ctx, "42", []domain.IdentityID{"bob", "alice", "bob"}))
	assert.Equal(t, []domain.IdentityID{"alice", "bob"}, store.Members("42"))

	require.NoError(t, store.AddConversationMember(ctx, "42", "carol"))
	require.NoError(t, store.RemoveConversationMember(ctx, "42", "alice"))
	assert.Equal(t, []domain.IdentityID{"bob", "carol"}, store.Members("42"))

	ok, err = store.IsConversationMember(ctx, "alice", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetConversationMembers(ctx, "42", nil))
	assert.Empty(t, store.Members("42"))
}

func TestMembershipStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryMembershipStore().IsConversationMember(ctx, "alice", "42")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallRecordStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCallRecordStore()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := domain.CallRecord{
			CallID:    domain.CallID(fmt.Sprintf("call-%d", i)),
			ChatID:    "42",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.SaveCallRecord(ctx, rec))
	}
	require.NoError(t, store.SaveCallRecord(ctx, domain.CallRecord{CallID: "call-2", ChatID: "42"}), "duplicate writes are ignored")

	records, err := store.ListCallRecords(ctx, "42", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.CallID("call-2"), records[0].CallID)
	assert.Equal(t, domain.CallID("call-1"), records[1].CallID)

	all, err := store.ListCallRecords(ctx, "42", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.ListCallRecords(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
