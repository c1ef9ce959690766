package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// stubStore only implements WithinTx; any other call panics on the nil
// embedded interface.
type stubStore struct {
	port.LedgerStore
	calls    int
	withinTx func(call int) error
}

func (s *stubStore) WithinTx(_ context.Context, _ []string, _ func(tx port.LedgerTx) error) error {
	s.calls++
	return s.withinTx(s.calls)
}

type noopLocker struct {
	keys []string
}

func (l *noopLocker) Lock(_ context.Context, key string) (func(), error) {
	l.keys = append(l.keys, key)
	return func() {}, nil
}

type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		LockTimeout:     20 * time.Millisecond,
	}
}

func noopTx(port.LedgerTx) error { return nil }

func TestCoordinator_LocksSortedUniqueKeys(t *testing.T) {
	store := &stubStore{withinTx: func(int) error { return nil }}
	locker := &noopLocker{}
	coord := NewCoordinator(store, locker, fastRetry(3), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-b", "item-a", "item-b"}, noopTx)

	require.NoError(t, err)
	assert.Equal(t, []string{"item-a", "item-b"}, locker.keys)
	assert.Equal(t, 1, store.calls)
}

func TestCoordinator_RetriesConflictUntilSuccess(t *testing.T) {
	store := &stubStore{withinTx: func(call int) error {
		if call < 3 {
			return domain.NewError(domain.ErrConcurrencyConflict, "item changed")
		}
		return nil
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(5), zap.NewNop())

	require.NoError(t, coord.Run(context.Background(), []string{"item-1"}, noopTx))
	assert.Equal(t, 3, store.calls)
}

func TestCoordinator_ConflictExhaustsAttempts(t *testing.T) {
	store := &stubStore{withinTx: func(int) error {
		return domain.NewError(domain.ErrConcurrencyConflict, "item changed")
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(3), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 3, store.calls)
}

func TestCoordinator_DomainRejectionIsNotRetried(t *testing.T) {
	store := &stubStore{withinTx: func(int) error {
		return domain.NewError(domain.ErrInsufficientStock, "not enough")
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(5), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 1, store.calls)
}

func TestCoordinator_StorageFailureRetriedOnce(t *testing.T) {
	store := &stubStore{withinTx: func(int) error {
		return errors.New("connection refused")
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(5), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 2, store.calls)
	assert.NotContains(t, domain.SafeMessage(err), "connection refused")
}

func TestCoordinator_StorageRetriedWithSingleAttempt(t *testing.T) {
	store := &stubStore{withinTx: func(call int) error {
		if call == 1 {
			return errors.New("broken pipe")
		}
		return nil
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(1), zap.NewNop())

	require.NoError(t, coord.Run(context.Background(), []string{"item-1"}, noopTx))
	assert.Equal(t, 2, store.calls)
}

func TestCoordinator_SingleAttemptDoesNotRetryConflict(t *testing.T) {
	store := &stubStore{withinTx: func(int) error {
		return domain.NewError(domain.ErrConcurrencyConflict, "item changed")
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(1), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 1, store.calls)
}

func TestCoordinator_StorageRecoversOnRetry(t *testing.T) {
	store := &stubStore{withinTx: func(call int) error {
		if call == 1 {
			return errors.New("broken pipe")
		}
		return nil
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(5), zap.NewNop())

	require.NoError(t, coord.Run(context.Background(), []string{"item-1"}, noopTx))
	assert.Equal(t, 2, store.calls)
}

func TestCoordinator_CancelledContextReturnedAsIs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &stubStore{withinTx: func(int) error {
		cancel()
		return context.Canceled
	}}
	coord := NewCoordinator(store, &noopLocker{}, fastRetry(5), zap.NewNop())

	err := coord.Run(ctx, []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.calls)
}

func TestCoordinator_LockTimeoutReportsBusy(t *testing.T) {
	store := &stubStore{withinTx: func(int) error { return nil }}
	coord := NewCoordinator(store, blockingLocker{}, fastRetry(2), zap.NewNop())

	err := coord.Run(context.Background(), []string{"item-1"}, noopTx)

	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Contains(t, domain.SafeMessage(err), "busy")
	assert.Equal(t, 0, store.calls)
}
