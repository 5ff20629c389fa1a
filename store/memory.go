package store

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

// MemoryStore is an in-memory implementation of idempotency.AdminCache.
// It only coordinates goroutines of a single process; use RedisStore or
// PostgresStore when several instances share the same keys.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables the sweep.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.cleanupInterval = d
	}
}

// WithNow overrides the time source used for TTL enforcement.
func WithNow(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) {
		c.now = now
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := memoryConfig{
		cleanupInterval: time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &MemoryStore{
		data: make(map[string]*entry),
		now:  cfg.now,
		stop: make(chan struct{}),
	}

	if cfg.cleanupInterval > 0 {
		go s.cleanup(cfg.cleanupInterval)
	}

	return s
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// lookup returns the live entry for key. Must be called with mu held.
func (s *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	e := &entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
}

// Get retrieves the value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set stores a value with TTL
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

// SetNX stores a value only if the key is absent or expired
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// CompareAndSwap replaces the value under key if it still equals old
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Delete removes key
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key)
	delete(s.data, key)
	return ok, nil
}

// CompareAndDelete removes key if its value still equals old. Expired
// entries are still compared so that cleanup sweeps can remove them.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// Scan visits every live key with the given prefix
func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Snapshot under the lock so fn may call back into the store.
	type kv struct {
		key   string
		value []byte
	}
	s.mu.Lock()
	var items []kv
	for key := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := s.lookup(key); ok {
			items = append(items, kv{key: key, value: bytes.Clone(e.value)})
		}
	}
	s.mu.Unlock()

	for _, it := range items {
		if err := fn(it.key, it.value); err != nil {
			return err
		}
	}
	return nil
}

// Incr increments the counter stored under key
func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.put(key, []byte(strconv.FormatInt(n, 10)), 0)
	return n, nil
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, e := range s.data {
				if e.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ idempotency.AdminCache = (*MemoryStore)(nil)
