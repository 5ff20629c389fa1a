package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

// DefaultPostgresTable is the table used when NewPostgresStore gets an empty name.
const DefaultPostgresTable = "idempotency_cache"

// PostgresStore is a Postgres implementation of idempotency.AdminCache for
// deployments that prefer a database over Redis. Expiry is evaluated with the
// database clock; expired rows are invisible to Get and CompareAndSwap, are
// replaced by SetNX, and stay in the table until a cleanup sweep deletes them.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore returns a store using table (DefaultPostgresTable if empty).
func NewPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        text PRIMARY KEY,
			value      bytea NOT NULL,
			expires_at timestamptz
		)`, s.table))
	return err
}

// expiresAtSQL turns a millisecond TTL parameter into an absolute expiry; 0 means none.
func expiresAtSQL(param string) string {
	return fmt.Sprintf("CASE WHEN %[1]s::bigint > 0 THEN now() + (%[1]s::bigint * interval '1 millisecond') END", param)
}

const liveSQL = "(expires_at IS NULL OR expires_at > now())"

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	var value []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND %s`, s.table, liveSQL),
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, %[2]s)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`, s.table, expiresAtSQL("$3")),
		key, value, ttl.Milliseconds(),
	)
	return err
}

// SetNX inserts the row, or takes over an existing row that has expired.
func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.pool == nil {
		return false, errors.New("nil postgres pool")
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (key, value, expires_at) VALUES ($1, $2, %[2]s)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
		WHERE t.expires_at IS NOT NULL AND t.expires_at <= now()`, s.table, expiresAtSQL("$3")),
		key, value, ttl.Milliseconds(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if s.pool == nil {
		return false, errors.New("nil postgres pool")
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET value = $3, expires_at = %s
		WHERE key = $1 AND value = $2 AND %s`, s.table, expiresAtSQL("$4"), liveSQL),
		key, old, value, ttl.Milliseconds(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	if s.pool == nil {
		return false, errors.New("nil postgres pool")
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if s.pool == nil {
		return false, errors.New("nil postgres pool")
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND value = $2`, s.table), key, old)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Scan visits every row under prefix, including rows past their expiry.
// Postgres never drops expired rows on its own, so cleanup sweeps rely on
// seeing them here.
func (s *PostgresStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key`, s.table),
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return err
	}
	type kv struct {
		key   string
		value []byte
	}
	// Collect first so fn can issue its own queries without holding the connection.
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv, error) {
		var it kv
		err := row.Scan(&it.key, &it.value)
		return it, err
	})
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := fn(it.key, it.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.pool == nil {
		return 0, errors.New("nil postgres pool")
	}
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (key, value, expires_at) VALUES ($1, convert_to('1', 'UTF8'), NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = convert_to((convert_from(t.value, 'UTF8')::bigint + 1)::text, 'UTF8')
		RETURNING convert_from(value, 'UTF8')::bigint`, s.table),
		key,
	).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ idempotency.AdminCache = (*PostgresStore)(nil)
