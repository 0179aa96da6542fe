package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// DocumentLockKey builds redis keys for billing document critical sections.
func DocumentLockKey(documentID int64) string {
	return fmt.Sprintf("billing:document:%d:lock", documentID)
}

// SeriesLockKey builds redis keys guarding a numbering series across instances.
func SeriesLockKey(providerID int64, kind, series string) string {
	return fmt.Sprintf("billing:series:%d:%s:%s:lock", providerID, kind, series)
}

// Locker wraps redislock with the acquisition policy used for billing
// transitions: bounded linear retry, then give up. The database row lock
// remains authoritative; this layer only keeps contending instances from
// piling up on the same row.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker on top of an existing redis client.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// Acquire obtains the named lock, waiting with linear backoff. The returned
// release func is safe to call on every exit path.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return func() { _ = lock.Release(context.WithoutCancel(ctx)) }, nil
}
