package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

type manualTime struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestMemoryStore(t *testing.T) (*MemoryStore, *manualTime) {
	t.Helper()
	clock := &manualTime{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithCleanupInterval(0), WithNow(clock.Now))
	t.Cleanup(s.Close)
	return s, clock
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test-key", []byte(`{"success":true}`), time.Hour))

	got, err := s.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(got))
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s, _ := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestMemoryStore_Expiration(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test-key", []byte("v"), 100*time.Millisecond))
	clock.Advance(150 * time.Millisecond)

	_, err := s.Get(ctx, "test-key")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value, time.Hour))
	value[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[0] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStore_SetNX(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("first"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("second"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	ok, err = s.SetNX(ctx, "k", []byte("third"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "third", string(got))
}

func TestMemoryStore_ConcurrentSetNX(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetNX(ctx, "lock", []byte("x"), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "missing key")

	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err = s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The swap applies the new TTL.
	clock.Advance(5 * time.Minute)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestMemoryStore_DeleteAndCompareAndDelete(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err := s.CompareAndDelete(ctx, "k", []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "expired", []byte("old"), time.Second))
	clock.Advance(time.Minute)
	ok, err = s.CompareAndDelete(ctx, "expired", []byte("old"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Scan(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "idempotency:a", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "idempotency:b", []byte("2"), time.Second))
	require.NoError(t, s.Set(ctx, "other:c", []byte("3"), time.Hour))
	clock.Advance(time.Minute)

	seen := map[string]string{}
	err := s.Scan(ctx, "idempotency:", func(key string, value []byte) error {
		seen[key] = string(value)
		// Callbacks may use the store.
		_, err := s.Get(ctx, key)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"idempotency:a": "1"}, seen)
}

func TestMemoryStore_Incr(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(365 * 24 * time.Hour)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.SetNX(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_BackgroundCleanup(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Millisecond))

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.data) == 0
	}, time.Second, 10*time.Millisecond)
}
