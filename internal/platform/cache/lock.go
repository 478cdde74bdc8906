package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained is returned when another holder keeps the lock past the
// wait budget.
var ErrLockNotObtained = errors.New("platform/cache: lock not obtained")

// Locker serialises critical sections across processes using Redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewLocker builds a Locker. A nil client yields a Locker that never blocks,
// leaving serialisation to database row locks.
func NewLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Locker{ttl: ttl, wait: 5 * time.Second, logger: logger}
	if rdb != nil {
		l.client = redislock.New(rdb)
	}
	return l
}

// WithWait overrides how long Acquire retries before giving up.
func (l *Locker) WithWait(wait time.Duration) *Locker {
	if l != nil && wait > 0 {
		l.wait = wait
	}
	return l
}

// Acquire obtains key and returns its release func. Redis failures other than
// contention are logged and the caller proceeds unlocked.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	noop := func() {}
	if l == nil || l.client == nil {
		if l != nil {
			l.logger.Warn("redis lock not configured; proceeding without redis lock", slog.String("key", key))
		}
		return noop, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	switch {
	case errors.Is(err, redislock.ErrNotObtained), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("error obtaining redis lock; proceeding without redis lock", slog.String("key", key), slog.Any("error", err))
		return noop, nil
	}

	return func() {
		// The caller's ctx may already be cancelled by the time we release.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("failed to release redis lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
