package reliability

import (
	"context"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	"chatrelay/pkg/circuitbreaker"
	"chatrelay/pkg/retry"
	"chatrelay/pkg/tracing"

	"go.uber.org/zap"
)

// DirectoryWrapper guards membership lookups with a circuit breaker and a
// short retry. When the breaker is open lookups fail fast and joins are
// refused instead of queueing behind a dead collaborator.
type DirectoryWrapper struct {
	directory ports.MembershipDirectory
	retry     retry.Config
	breaker   *circuitbreaker.CircuitBreaker
}

// NewDirectoryWrapper wraps a membership directory with retries and a circuit breaker.
func NewDirectoryWrapper(
	directory ports.MembershipDirectory,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *DirectoryWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen)
	return &DirectoryWrapper{
		directory: directory,
		retry:     retryConfig,
		breaker:   newBreaker("directory", cbConfig, logger),
	}
}

func (w *DirectoryWrapper) IsConversationMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "is_member", "conversation_members")
	defer span.End()

	member, err := retry.DoWithResult(ctx, w.retry, func(ctx context.Context) (bool, error) {
		return circuitbreaker.Execute(ctx, w.breaker, func(ctx context.Context) (bool, error) {
			return w.directory.IsConversationMember(ctx, identity, chat)
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return member, err
}

// BreakerState exposes the breaker state for health checks.
func (w *DirectoryWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

// RecordStoreWrapper puts a circuit breaker in front of the call record
// store. Retries are left to the hub, which backs off while the breaker is
// open.
type RecordStoreWrapper struct {
	store   ports.CallRecordStore
	breaker *circuitbreaker.CircuitBreaker
}

// NewRecordStoreWrapper wraps a call record store with retries and a circuit breaker.
func NewRecordStoreWrapper(store ports.CallRecordStore, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *RecordStoreWrapper {
	return &RecordStoreWrapper{
		store:   store,
		breaker: newBreaker("call_records", cbConfig, logger),
	}
}

func (w *RecordStoreWrapper) SaveCallRecord(ctx context.Context, record domain.CallRecord) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "save", "call_records")
	defer span.End()

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.store.SaveCallRecord(ctx, record)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (w *RecordStoreWrapper) ListCallRecords(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	return circuitbreaker.Execute(ctx, w.breaker, func(ctx context.Context) ([]domain.CallRecord, error) {
		return w.store.ListCallRecords(ctx, chat, limit)
	})
}

func (w *RecordStoreWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

func newBreaker(name string, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return cb
}
