package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// PollLock coalesces concurrent provider fetches for the same job across processes.
// Holding the lock is an optimization: reconciliation stays correct without it
// because every terminal transition is conditional in the job store.
type PollLock struct {
	redis *RedisCache
	keys  *CacheService
	ttl   time.Duration
}

// NewPollLock creates a poll lock with the given expiry
func NewPollLock(redis *RedisCache, ttl time.Duration) *PollLock {
	return &PollLock{
		redis: redis,
		keys:  NewCacheService(redis, ttl),
		ttl:   ttl,
	}
}

// TryAcquire attempts to take the lock for a job. The returned release func is
// safe to call when the lock was not acquired.
func (l *PollLock) TryAcquire(ctx context.Context, jobID string) (func(), bool, error) {
	key := l.keys.GenerateCacheKey(CacheKeyPollLock, jobID)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return func() {}, false, fmt.Errorf("failed to acquire poll lock: %w", err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		// Use a fresh context so a cancelled request still releases the lock
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.redis.Client(), []string{key}, token).Err()
	}

	return release, true, nil
}
