package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Outcome classifies the result of a Check.
type Outcome int

const (
	// OutcomeNotFound means no live record exists; the caller should Claim.
	OutcomeNotFound Outcome = iota
	// OutcomeProcessing means another request holds the key.
	OutcomeProcessing
	// OutcomeCompleted means a cached response can be replayed.
	OutcomeCompleted
	// OutcomeConflict means the key was completed for a different request.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeProcessing:
		return "processing"
	case OutcomeCompleted:
		return "completed"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CheckResult is the answer of Coordinator.Check.
type CheckResult struct {
	Exists              bool
	Processing          bool
	Completed           bool
	FingerprintMismatch bool
	ErrorMessage        string
	CachedResponse      *CachedResponse
}

// Outcome collapses the result flags into a single state.
func (r CheckResult) Outcome() Outcome {
	switch {
	case !r.Exists:
		return OutcomeNotFound
	case r.Processing:
		return OutcomeProcessing
	case r.FingerprintMismatch:
		return OutcomeConflict
	default:
		return OutcomeCompleted
	}
}

// Stats aggregates the live records under the configured prefix.
type Stats struct {
	Total             int64 `json:"total"`
	Processing        int64 `json:"processing"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	DuplicatesBlocked int64 `json:"duplicatesBlocked"`
}

// Coordinator implements the check, claim, complete/fail protocol on top of
// a shared Cache. It keeps no mutable in-process state; all coordination
// happens through the cache's atomic primitives.
type Coordinator struct {
	records *RecordStore
	cfg     *Config
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock sets the time source used for expiry checks.
func WithClock(clock Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator validates cfg and returns a coordinator backed by cache.
// A nil cfg means DefaultConfig.
func NewCoordinator(cache Cache, cfg *Config, opts ...CoordinatorOption) (*Coordinator, error) {
	if cache == nil {
		return nil, errors.New("idempotency: nil cache")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		records: NewRecordStore(cache),
		cfg:     cfg,
		clock:   SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the policy the coordinator was built with. Callers must not modify it.
func (c *Coordinator) Config() *Config { return c.cfg }

// Check reports the state of key as seen by a request with the given
// fingerprint. It has no side effects.
func (c *Coordinator) Check(ctx context.Context, key, fingerprint string) (CheckResult, error) {
	rec, _, err := c.records.Load(ctx, key)
	if err != nil {
		c.metrics.observeStoreError("check")
		return CheckResult{}, fmt.Errorf("idempotency check: %w", err)
	}

	result, err := c.classify(rec, fingerprint)
	if err != nil {
		return CheckResult{}, err
	}
	c.metrics.observeCheck(result.Outcome())
	return result, nil
}

func (c *Coordinator) classify(rec *Record, fingerprint string) (CheckResult, error) {
	if rec == nil || !rec.Live(c.clock.Now()) {
		return CheckResult{}, nil
	}
	if rec.Status == StatusProcessing {
		return CheckResult{Exists: true, Processing: true}, nil
	}
	if !c.fingerprintsMatch(fingerprint, rec.RequestHash) {
		return CheckResult{
			Exists:              true,
			Completed:           true,
			FingerprintMismatch: true,
			ErrorMessage:        ErrFingerprintMismatch.Error(),
		}, nil
	}
	resp, err := rec.Response()
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency check: %w", err)
	}
	return CheckResult{Exists: true, Completed: true, CachedResponse: resp}, nil
}

// fingerprintsMatch treats an empty fingerprint on either side as a wildcard.
func (c *Coordinator) fingerprintsMatch(requested, stored string) bool {
	if !c.cfg.ValidateFingerprint || requested == "" || stored == "" {
		return true
	}
	return requested == stored
}

// Claim atomically creates a Processing record for rec.Key unless a live
// record already exists. It returns true when the caller won the key and must
// later call Complete or Fail. Failed or expired records are replaced with a
// compare-and-swap so that exactly one of several concurrent claimants wins.
//
// ttl is clamped to the configured bounds; zero selects the default TTL.
func (c *Coordinator) Claim(ctx context.Context, rec Record, ttl time.Duration) (bool, error) {
	if rec.Key == "" {
		return false, ErrInvalidKey
	}
	ttl = c.cfg.ClampTTL(ttl)
	now := c.clock.Now()

	fresh := Record{
		Key:         rec.Key,
		Status:      StatusProcessing,
		RequestHash: rec.RequestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    rec.clone().Metadata,
	}
	if fresh.Metadata == nil {
		fresh.Metadata = map[string]string{}
	}

	won, err := c.claim(ctx, &fresh, ttl, now)
	if err != nil {
		c.metrics.observeStoreError("claim")
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	c.metrics.observeClaim(won)
	c.logger.DebugContext(ctx, "idempotency claim", "key", rec.Key, "won", won, "ttl", ttl)
	return won, nil
}

func (c *Coordinator) claim(ctx context.Context, fresh *Record, ttl time.Duration, now time.Time) (bool, error) {
	// The second attempt covers a record that vanished between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := c.records.Create(ctx, fresh, ttl)
		if err != nil || created {
			return created, err
		}

		existing, raw, err := c.records.Load(ctx, fresh.Key)
		if err != nil {
			return false, err
		}
		if existing == nil {
			continue
		}
		if existing.Live(now) {
			return false, nil
		}
		return c.records.Replace(ctx, raw, fresh, ttl)
	}
	return false, nil
}

// Complete stores the response of a claimed request and marks it Completed.
// The original expiry is preserved. It returns false without error when the
// record is absent, expired, no longer Processing, or was replaced concurrently.
func (c *Coordinator) Complete(ctx context.Context, key string, statusCode int, body []byte, contentType string) (bool, error) {
	return c.finish(ctx, key, StatusCompleted, func(rec *Record) {
		rec.setResponse(statusCode, body, contentType)
	})
}

// Fail marks a claimed request as Failed and records reason in its metadata.
// A failed key can be claimed again by the next retry.
func (c *Coordinator) Fail(ctx context.Context, key, reason string) (bool, error) {
	return c.finish(ctx, key, StatusFailed, func(rec *Record) {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, 1)
		}
		rec.Metadata[MetadataFailureReason] = reason
	})
}

func (c *Coordinator) finish(ctx context.Context, key string, status Status, apply func(*Record)) (bool, error) {
	op := "complete"
	if status == StatusFailed {
		op = "fail"
	}

	rec, raw, err := c.records.Load(ctx, key)
	if err != nil {
		c.metrics.observeStoreError(op)
		return false, fmt.Errorf("idempotency %s: %w", op, err)
	}
	now := c.clock.Now()
	if rec == nil || rec.Expired(now) || rec.Status != StatusProcessing {
		c.metrics.observeTransition(status, false)
		c.logger.WarnContext(ctx, "idempotency record not in processing state", "key", key, "op", op)
		return false, nil
	}

	next := rec.clone()
	next.Status = status
	apply(&next)

	ok, err := c.records.Replace(ctx, raw, &next, rec.TTL(now))
	if err != nil {
		c.metrics.observeStoreError(op)
		return false, fmt.Errorf("idempotency %s: %w", op, err)
	}
	c.metrics.observeTransition(status, ok)
	c.logger.DebugContext(ctx, "idempotency transition", "key", key, "status", status, "applied", ok)
	return ok, nil
}

// Get returns the record stored under key as-is, or nil when absent.
func (c *Coordinator) Get(ctx context.Context, key string) (*Record, error) {
	rec, _, err := c.records.Load(ctx, key)
	if err != nil {
		c.metrics.observeStoreError("get")
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	return rec, nil
}

// Delete removes the record stored under key.
func (c *Coordinator) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := c.records.Delete(ctx, key)
	if err != nil {
		c.metrics.observeStoreError("delete")
		return false, fmt.Errorf("idempotency delete: %w", err)
	}
	return ok, nil
}

func (c *Coordinator) duplicatesKey() string {
	return "stats:" + c.cfg.KeyPrefix + ":duplicates-blocked"
}

// RecordDuplicate counts a request that was answered without running the
// downstream handler. The counter lives in the cache so that every instance
// contributes to the same total.
func (c *Coordinator) RecordDuplicate(ctx context.Context) error {
	c.metrics.observeDuplicate()
	ac, err := c.records.admin()
	if err != nil {
		return nil
	}
	if _, err := ac.Incr(ctx, c.duplicatesKey()); err != nil {
		c.metrics.observeStoreError("record_duplicate")
		return fmt.Errorf("idempotency record duplicate: %w", err)
	}
	return nil
}

// Stats counts live records under the configured prefix.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	ac, err := c.records.admin()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	now := c.clock.Now()
	err = c.records.Scan(ctx, c.cfg.ScanPrefix(), func(_ string, rec *Record, _ []byte) error {
		if rec.Expired(now) {
			return nil
		}
		stats.Total++
		switch rec.Status {
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		return nil
	})
	if err != nil {
		c.metrics.observeStoreError("stats")
		return Stats{}, fmt.Errorf("idempotency stats: %w", err)
	}

	raw, err := ac.Get(ctx, c.duplicatesKey())
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		c.metrics.observeStoreError("stats")
		return Stats{}, fmt.Errorf("idempotency stats: %w", err)
	default:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("idempotency stats: parse duplicates counter: %w", err)
		}
		stats.DuplicatesBlocked = n
	}
	return stats, nil
}

// CleanupExpired deletes records that are past their expiry but still
// physically present. Each delete is conditional on the value scanned, so a
// record re-claimed during the sweep is left alone.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	ac, err := c.records.admin()
	if err != nil {
		return 0, err
	}

	type victim struct {
		key string
		raw []byte
	}
	var victims []victim
	now := c.clock.Now()
	err = c.records.Scan(ctx, c.cfg.ScanPrefix(), func(key string, rec *Record, raw []byte) error {
		if rec.Expired(now) {
			victims = append(victims, victim{key: key, raw: raw})
		}
		return nil
	})
	if err != nil {
		c.metrics.observeStoreError("cleanup")
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}

	removed := 0
	for _, v := range victims {
		ok, err := ac.CompareAndDelete(ctx, v.key, v.raw)
		if err != nil {
			c.metrics.observeStoreError("cleanup")
			return removed, fmt.Errorf("idempotency cleanup %q: %w", v.key, err)
		}
		if ok {
			removed++
		}
	}
	c.logger.InfoContext(ctx, "idempotency cleanup finished", "scanned_expired", len(victims), "removed", removed)
	return removed, nil
}
