package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

// openTestPostgres connects to IDEMPOTENCY_POSTGRES_DSN and creates a
// table private to the test. Tests are skipped when the variable is unset.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("IDEMPOTENCY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDEMPOTENCY_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	table := fmt.Sprintf("idempotency_test_%d", time.Now().UnixNano())
	s := NewPostgresStore(pool, table)
	require.NoError(t, s.EnsureSchema(ctx))

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.table)
		pool.Close()
	})
	return s
}

func TestNewPostgresStore_DefaultTable(t *testing.T) {
	s := NewPostgresStore(nil, "")
	assert.Equal(t, `"idempotency_cache"`, s.table)

	_, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\_b\%c\\`, escapeLike(`a_b%c\`))
}

func TestPostgresStore_SetNXAndExpiry(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("first"), 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(300 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	ok, err = s.SetNX(ctx, "k", []byte("third"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "third", string(got))
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))

	ok, err := s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestPostgresStore_DeleteScanIncr(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "idempotency:a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "idempotency_b", []byte("2"), time.Minute))

	seen := map[string]string{}
	require.NoError(t, s.Scan(ctx, "idempotency:", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}))
	assert.Equal(t, map[string]string{"idempotency:a": "1"}, seen)

	ok, err := s.CompareAndDelete(ctx, "idempotency:a", []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Delete(ctx, "idempotency:a")
	require.NoError(t, err)
	assert.True(t, ok)

	for want := int64(1); want <= 2; want++ {
		n, err := s.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestPostgresStore_ScanIncludesExpiredRows(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "idempotency:old", []byte("v"), time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := s.Get(ctx, "idempotency:old")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	var keys []string
	require.NoError(t, s.Scan(ctx, "idempotency:", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"idempotency:old"}, keys)
}

func TestPostgresStore_CleanupRemovesExpiredRows(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	cfg := idempotency.NewConfig(
		idempotency.WithTTLBounds(time.Millisecond, time.Hour),
		idempotency.WithTTL(time.Hour),
	)
	coord, err := idempotency.NewCoordinator(s, cfg)
	require.NoError(t, err)

	won, err := coord.Claim(ctx, idempotency.Record{Key: cfg.Key("short")}, time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)
	time.Sleep(50 * time.Millisecond)

	removed, err := coord.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.table).Scan(&n))
	assert.Equal(t, 0, n)
}
