package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/routebook/routebook/internal/platform/httpx"
)

// ErrLockBusy is returned when another holder keeps the key past the retry
// window. It maps to 503 with Retry-After: the request itself is fine.
var ErrLockBusy = fmt.Errorf("%w: resource busy, retry later", httpx.ErrUnavailable)

// Locker hands out short advisory locks backed by Redis. Database row locks
// remain the source of truth; the advisory lock only keeps competing writers
// from piling onto the same rows.
type Locker struct {
	client  *redislock.Client
	ttl     time.Duration
	retry   time.Duration
	retries int
	logger  *slog.Logger
}

// LockerOption customises a Locker.
type LockerOption func(*Locker)

// WithRetry sets the backoff interval and the number of attempts.
func WithRetry(interval time.Duration, attempts int) LockerOption {
	return func(l *Locker) {
		l.retry = interval
		l.retries = attempts
	}
}

// NewLocker wraps the redis client with redislock.
func NewLocker(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger, opts ...LockerOption) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Locker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retry:   50 * time.Millisecond,
		retries: 40,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire obtains the lock for key. When Redis is unreachable the call
// degrades to a no-op release so writes still proceed under database locks.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.retry), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("advisory lock unavailable, continuing without it",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return func() {}, nil
	}
	return func() {
		// Release with a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release advisory lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
