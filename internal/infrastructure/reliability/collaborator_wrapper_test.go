package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/pkg/circuitbreaker"
	"chatrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) IsConversationMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error) {
	args := m.Called(ctx, identity, chat)
	return args.Bool(0), args.Error(1)
}

type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) SaveCallRecord(ctx context.Context, record domain.CallRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockRecordStore) ListCallRecords(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	args := m.Called(ctx, chat, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CallRecord), args.Error(1)
}

func fastRetry() retry.Config {
	return retry.Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestDirectoryWrapper_RetriesTransientFailure(t *testing.T) {
	dir := new(MockDirectory)
	dir.On("IsConversationMember", mock.Anything, domain.IdentityID("alice"), domain.ChatID("42")).Return(false, errors.New("timeout")).Once()
	dir.On("IsConversationMember", mock.Anything, domain.IdentityID("alice"), domain.ChatID("42")).Return(true, nil).Once()

	w := NewDirectoryWrapper(dir, fastRetry(), circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	ok, err := w.IsConversationMember(context.Background(), "alice", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	dir.AssertNumberOfCalls(t, "IsConversationMember", 2)
}

func TestDirectoryWrapper_OpensAndFailsFast(t *testing.T) {
	dir := new(MockDirectory)
	dir.On("IsConversationMember", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("down"))

	cb := circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, MaxRequestsHalfOpen: 1}
	w := NewDirectoryWrapper(dir, retry.Config{}, cb, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 2; i++ {
		_, err := w.IsConversationMember(context.Background(), "alice", "42")
		assert.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, w.BreakerState())

	_, err := w.IsConversationMember(context.Background(), "alice", "42")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	dir.AssertNumberOfCalls(t, "IsConversationMember", 2)
}

func TestDirectoryWrapper_DoesNotRetryOpenBreaker(t *testing.T) {
	dir := new(MockDirectory)
	dir.On("IsConversationMember", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("down"))

	cb := circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxRequestsHalfOpen: 1}
	w := NewDirectoryWrapper(dir, fastRetry(), cb, zaptest.NewLogger(t).Sugar())

	_, err := w.IsConversationMember(context.Background(), "alice", "42")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	dir.AssertNumberOfCalls(t, "IsConversationMember", 1)
}

func TestRecordStoreWrapper(t *testing.T) {
	store := new(MockRecordStore)
	rec := domain.CallRecord{CallID: "c1", ChatID: "42"}
	store.On("SaveCallRecord", mock.Anything, rec).Return(nil)
	store.On("ListCallRecords", mock.Anything, domain.ChatID("42"), 10).Return([]domain.CallRecord{rec}, nil)

	w := NewRecordStoreWrapper(store, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, w.SaveCallRecord(context.Background(), rec))

	records, err := w.ListCallRecords(context.Background(), "42", 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.CallRecord{rec}, records)
	assert.Equal(t, circuitbreaker.StateClosed, w.BreakerState())
	store.AssertExpectations(t)
}
