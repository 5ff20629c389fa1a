package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

// setupTestRedis creates a mock Redis server for testing
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := NewRedisStore(client)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return store, mr
}

func TestRedisStore_SetAndGet(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test-key", []byte(`{"success":true}`), time.Hour))

	got, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(got))
	assert.Equal(t, time.Hour, mr.TTL("test-key"))
}

func TestRedisStore_GetNotFound(t *testing.T) {
	store, _ := setupTestRedis(t)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestRedisStore_Expiration(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test-key", []byte("v"), 100*time.Millisecond))

	// Fast-forward time in miniredis
	mr.FastForward(150 * time.Millisecond)

	_, err := store.Get(ctx, "test-key")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestRedisStore_SetNX(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", []byte("first"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", []byte("second"), 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = store.SetNX(ctx, "k", []byte("third"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ConcurrentSetNX(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetNX(ctx, "lock", []byte("x"), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStore_CompareAndSwap(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "missing key")

	require.NoError(t, store.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err = store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
	assert.Equal(t, 10*time.Minute, mr.TTL("k"))
}

func TestRedisStore_CompareAndSwapSubMillisecondTTL(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err := store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Microsecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, mr.TTL("k"))
}

func TestRedisStore_DeleteAndCompareAndDelete(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err := store.CompareAndDelete(ctx, "k", []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("k"))

	ok, err = store.CompareAndDelete(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("k"))

	ok, err = store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Scan(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "idempotency:a", []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, "idempotency:b", []byte("2"), time.Hour))
	require.NoError(t, store.Set(ctx, "other:c", []byte("3"), time.Hour))

	seen := map[string]string{}
	err := store.Scan(ctx, "idempotency:", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"idempotency:a": "1", "idempotency:b": "2"}, seen)
}

func TestRedisStore_Incr(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, idempotency.ErrNotFound)
}
