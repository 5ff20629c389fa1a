package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -destination=internal/mocks/cache_mock.go -package=mocks github.com/AnandSundar/idempotency-coordinator Cache

// Cache is the narrow capability the coordinator needs from a shared
// key/value store with TTL. Implementations must be safe for concurrent use
// and must honor ctx cancellation on every network round trip.
type Cache interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL, replacing any existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key holds no value. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value under key with value only if it currently equals old.
	// It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key and reports whether a value was removed.
	Delete(ctx context.Context, key string) (bool, error)
}

// AdminCache adds the enumeration and counting operations used by the
// administrative surface (stats and cleanup sweeps).
type AdminCache interface {
	Cache

	// Scan calls fn for every key starting with prefix. Iteration stops at the first error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// CompareAndDelete removes key only if its value currently equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	// Incr atomically increments the integer counter stored under key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
}

// RecordStore serializes idempotency records into a Cache.
// Keys are used verbatim; namespacing happens upstream.
type RecordStore struct {
	cache Cache
}

// NewRecordStore wraps cache.
func NewRecordStore(cache Cache) *RecordStore {
	return &RecordStore{cache: cache}
}

// Load returns the decoded record for key together with its encoded form,
// which callers hand back to Replace. A missing key yields (nil, nil, nil).
func (s *RecordStore) Load(ctx context.Context, key string) (*Record, []byte, error) {
	raw, err := s.cache.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get %q: %w", key, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return rec, raw, nil
}

// Create writes rec only if no value exists under rec.Key.
func (s *RecordStore) Create(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", rec.Key, err)
	}
	ok, err := s.cache.SetNX(ctx, rec.Key, raw, ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %q: %w", rec.Key, err)
	}
	return ok, nil
}

// Replace writes rec only if the stored value still equals old.
func (s *RecordStore) Replace(ctx context.Context, old []byte, rec *Record, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", rec.Key, err)
	}
	ok, err := s.cache.CompareAndSwap(ctx, rec.Key, old, raw, ttl)
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %q: %w", rec.Key, err)
	}
	return ok, nil
}

// Delete removes the record stored under key.
func (s *RecordStore) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.cache.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return ok, nil
}

func (s *RecordStore) admin() (AdminCache, error) {
	ac, ok := s.cache.(AdminCache)
	if !ok {
		return nil, ErrUnsupported
	}
	return ac, nil
}

// Scan decodes every record stored under prefix. Values that are not
// records (such as counters sharing the prefix) are skipped.
func (s *RecordStore) Scan(ctx context.Context, prefix string, fn func(key string, rec *Record, raw []byte) error) error {
	ac, err := s.admin()
	if err != nil {
		return err
	}
	err = ac.Scan(ctx, prefix, func(key string, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return nil
		}
		return fn(key, rec, value)
	})
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}
	return nil
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusProcessing, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("unknown record status %q", rec.Status)
	}
	return &rec, nil
}
