package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/config"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCacheFromClient(client), mr
}

func TestNewRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 10,
	}

	cache, err := NewRedisCache(cfg)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, cache.Close())
	}()

	assert.NoError(t, cache.Ping(testContext(t)))
}

func TestCacheService_SetGet(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := testContext(t)
	cache := NewCacheService(rc, time.Minute)

	key := cache.GenerateCacheKey(CacheKeyTerminalJob, "abc")
	assert.Equal(t, "job:terminal:abc", key)

	var miss map[string]int
	found, err := cache.Get(ctx, key, &miss)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, key, map[string]int{"n": 42}))

	var got map[string]int
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, got["n"])

	mr.FastForward(2 * time.Minute)
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJobSnapshotCache_OnlyTerminal(t *testing.T) {
	rc, _ := newTestRedis(t)
	ctx := testContext(t)
	snapshots := NewJobSnapshotCache(NewCacheService(rc, time.Hour))

	running := &models.JobRecord{ID: "job-1", LocalStatus: types.JobStatusProcessing, Progress: 40}
	require.NoError(t, snapshots.Put(ctx, running))

	_, found, err := snapshots.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found, "non-terminal records are never cached")

	completedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := &models.JobRecord{
		ID:          "job-1",
		UserID:      "user-1",
		LocalStatus: types.JobStatusCompleted,
		Progress:    100,
		Spec:        []byte(`{"prompt":"x"}`),
		Result:      &models.ResultArtifacts{WeightsURL: "https://example.com/w.tar"},
		CompletedAt: &completedAt,
	}
	require.NoError(t, snapshots.Put(ctx, done))

	got, found, err := snapshots.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.JobStatusCompleted, got.LocalStatus)
	assert.Equal(t, "https://example.com/w.tar", got.Result.WeightsURL)
	assert.JSONEq(t, `{"prompt":"x"}`, string(got.Spec))
	assert.True(t, got.CompletedAt.Equal(completedAt))

	require.NoError(t, snapshots.Invalidate(ctx, "job-1"))
	_, found, err = snapshots.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPollLock(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := testContext(t)
	lock := NewPollLock(rc, 5*time.Second)

	release, ok, err := lock.TryAcquire(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = lock.TryAcquire(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, ok, "locks are per job")

	release()
	release2, ok, err := lock.TryAcquire(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale release must not drop a lock now held by someone else
	release()
	_, ok, err = lock.TryAcquire(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	release2()

	_, ok, err = lock.TryAcquire(ctx, "job-3")
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(6 * time.Second)
	_, ok, err = lock.TryAcquire(ctx, "job-3")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be retaken")
}
