package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	LockTimeout     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		LockTimeout:     2 * time.Second,
	}
}

// Coordinator serializes mutations per item. Each attempt takes the item
// locks in ascending id order, then runs one store unit of work. Conflicts are
// retried with exponential backoff up to MaxAttempts; a storage failure is
// retried once.
type Coordinator struct {
	store  port.LedgerStore
	locker port.ItemLocker
	cfg    RetryConfig
	logger *zap.Logger
}

func NewCoordinator(store port.LedgerStore, locker port.ItemLocker, cfg RetryConfig, logger *zap.Logger) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultRetryConfig().LockTimeout
	}
	return &Coordinator{store: store, locker: locker, cfg: cfg, logger: logger}
}

// Run executes fn atomically with respect to every other Run touching any of
// itemIDs. fn may be invoked more than once and must not keep state between
// invocations.
func (c *Coordinator) Run(ctx context.Context, itemIDs []string, fn func(tx port.LedgerTx) error) error {
	keys := slices.Clone(itemIDs)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	return c.Do(ctx, "unit_of_work", func(ctx context.Context) error {
		return c.attempt(ctx, keys, fn)
	})
}

// Do applies the retry and error-translation policy to op without taking
// item locks. Reads and job updates go through here.
func (c *Coordinator) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	storageRetried := false

	operation := func() error {
		attempt++
		err := op(ctx)
		switch {
		case err == nil:
			return nil
		case domain.IsPermanent(err):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, domain.ErrConcurrencyConflict):
			if attempt >= c.cfg.MaxAttempts {
				return backoff.Permanent(err)
			}
			c.logger.Warn("conflict, retrying",
				zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
			return err
		case errors.Is(err, domain.ErrStorageUnavailable) || storageRetried:
			return backoff.Permanent(err)
		default:
			storageRetried = true
			c.logger.Warn("storage failure, retrying once",
				zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
	}

	// Conflicts stop at MaxAttempts above. The extra retry lets a storage
	// failure on the last attempt still get its one retry.
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts)), ctx))
	if err == nil {
		return nil
	}

	switch {
	case domain.IsPermanent(err):
		return err
	case errors.Is(err, domain.ErrConcurrencyConflict):
		c.logger.Warn("conflict retries exhausted", zap.String("op", name), zap.Int("attempts", attempt))
		var de *domain.Error
		if errors.As(err, &de) {
			return err
		}
		return domain.NewError(domain.ErrConcurrencyConflict, "item is busy, retry later")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		c.logger.Error("storage failure", zap.String("op", name), zap.Error(err))
		return domain.NewError(domain.ErrStorageUnavailable, "storage temporarily unavailable, retry later")
	}
}

func (c *Coordinator) attempt(ctx context.Context, keys []string, fn func(tx port.LedgerTx) error) error {
	unlocks := make([]func(), 0, len(keys))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	for _, key := range keys {
		lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
		unlock, err := c.locker.Lock(lockCtx, key)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.NewError(domain.ErrConcurrencyConflict, "item %s is busy, retry later", key)
			}
			return err
		}
		unlocks = append(unlocks, unlock)
	}

	return c.store.WithinTx(ctx, keys, fn)
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
