package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Admission is the pipeline's decision for one inbound request.
type Admission struct {
	// Key is the namespaced key used for every coordinator call.
	Key string
	// Outcome is OutcomeNotFound when the caller won the claim and must run the handler.
	Outcome Outcome
	// Claimed reports whether this request now owns the key.
	Claimed bool
	// Response is the cached response to replay when Outcome is OutcomeCompleted.
	Response *CachedResponse
	// Message explains a 409 answer.
	Message string
}

// Blocked reports whether the downstream handler must not run.
func (a Admission) Blocked() bool { return !a.Claimed }

// StatusCode is the HTTP status to answer a blocked request with when it is not a replay.
func (a Admission) StatusCode() int {
	switch a.Outcome {
	case OutcomeProcessing, OutcomeConflict:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

// Guard runs the request protocol shared by every HTTP adapter: key
// extraction, fingerprinting, check-then-claim and the final transition.
type Guard struct {
	coord *Coordinator
	cfg   *Config
}

// NewGuard returns a guard using coord's configuration with opts applied on top.
//
// Route options may narrow the coordinator's policy but not widen it: the key
// prefix must stay the same (use WithScope for per-route namespaces), TTL
// bounds must lie within the coordinator's, and fingerprint validation can
// only be turned off for a route. Anything else is an ErrInvalidConfig.
func NewGuard(coord *Coordinator, opts ...Option) (*Guard, error) {
	base := coord.Config()
	cfg := base.Clone()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case cfg.KeyPrefix != base.KeyPrefix:
		return nil, fmt.Errorf("%w: key prefix %q differs from the coordinator's %q; use WithScope for per-route namespaces",
			ErrInvalidConfig, cfg.KeyPrefix, base.KeyPrefix)
	case cfg.ValidateFingerprint && !base.ValidateFingerprint:
		return nil, fmt.Errorf("%w: fingerprint validation is disabled on the coordinator", ErrInvalidConfig)
	case cfg.MinTTL < base.MinTTL || cfg.MaxTTL > base.MaxTTL:
		return nil, fmt.Errorf("%w: TTL bounds [%s, %s] exceed the coordinator's [%s, %s]",
			ErrInvalidConfig, cfg.MinTTL, cfg.MaxTTL, base.MinTTL, base.MaxTTL)
	}
	return &Guard{coord: coord, cfg: cfg}, nil
}

// MustGuard is like NewGuard but panics on an invalid policy. Adapters call
// it while the route table is built.
func MustGuard(coord *Coordinator, opts ...Option) *Guard {
	g, err := NewGuard(coord, opts...)
	if err != nil {
		panic(err)
	}
	return g
}

// Config returns the effective policy of this guard.
func (g *Guard) Config() *Config { return g.cfg }

func (g *Guard) logger() *slog.Logger { return g.coord.logger }

// Applies reports whether requests with this method and path are tracked.
func (g *Guard) Applies(method, path string) bool {
	return g.cfg.appliesToMethod(method) && !g.cfg.excluded(path)
}

// ExtractKey reads the caller key from h. It returns "" with a nil error when
// no key is present and none is required.
func (g *Guard) ExtractKey(h http.Header) (string, error) {
	key := strings.TrimSpace(h.Get(g.cfg.HeaderName))
	if key == "" {
		if g.cfg.RequireKey {
			return "", ErrKeyRequired
		}
		return "", nil
	}
	if len(key) > g.cfg.MaxKeyLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, g.cfg.MaxKeyLength)
	}
	return key, nil
}

// Fingerprint digests method, path and body when fingerprint validation is
// enabled, and returns "" otherwise. The body is restored for the handler.
func (g *Guard) Fingerprint(r *http.Request) (string, error) {
	if !g.cfg.ValidateFingerprint {
		return "", nil
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnreadableBody, err)
		}
		if int64(len(body)) > g.cfg.MaxBodyBytes {
			return "", ErrBodyTooLarge
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RequestTTL returns the TTL requested for r clamped to the guard's bounds,
// falling back to the guard's default.
func (g *Guard) RequestTTL(r *http.Request) time.Duration {
	var requested time.Duration
	if g.cfg.TTLFunc != nil {
		requested = g.cfg.TTLFunc(r)
	}
	return g.cfg.ClampTTL(requested)
}

// Begin checks the key and claims it when nothing live is stored. A lost
// claim is reported as OutcomeProcessing rather than retried.
func (g *Guard) Begin(ctx context.Context, callerKey, fingerprint string, ttl time.Duration, metadata map[string]string) (Admission, error) {
	key := g.cfg.Key(callerKey)
	adm := Admission{Key: key}

	result, err := g.coord.Check(ctx, key, fingerprint)
	if err != nil {
		return adm, err
	}
	adm.Outcome = result.Outcome()

	switch adm.Outcome {
	case OutcomeProcessing:
		adm.Message = ErrRequestInProgress.Error()
	case OutcomeConflict:
		adm.Message = result.ErrorMessage
	case OutcomeCompleted:
		adm.Response = result.CachedResponse
	case OutcomeNotFound:
		won, err := g.coord.Claim(ctx, Record{Key: key, RequestHash: fingerprint, Metadata: metadata}, ttl)
		if err != nil {
			return adm, err
		}
		if won {
			adm.Claimed = true
			return adm, nil
		}
		adm.Outcome = OutcomeProcessing
		adm.Message = ErrRequestInProgress.Error()
	}

	if err := g.coord.RecordDuplicate(ctx); err != nil {
		g.logger().ErrorContext(ctx, "failed to count blocked duplicate", "key", key, "error", err)
	}
	return adm, nil
}

// Finish records the handler outcome for a claimed key. A handler error or
// a 5xx response marks the record Failed so the next retry runs again;
// anything else is stored for replay. Store errors are logged because the
// response has already been sent.
func (g *Guard) Finish(ctx context.Context, key string, statusCode int, body []byte, contentType string, handlerErr error) {
	var (
		ok  bool
		err error
		op  string
	)
	switch {
	case handlerErr != nil:
		op = "fail"
		ok, err = g.coord.Fail(ctx, key, handlerErr.Error())
	case statusCode >= http.StatusInternalServerError:
		op = "fail"
		ok, err = g.coord.Fail(ctx, key, fmt.Sprintf("handler responded with status %d", statusCode))
	default:
		op = "complete"
		ok, err = g.coord.Complete(ctx, key, statusCode, body, contentType)
	}
	if err != nil {
		g.logger().ErrorContext(ctx, "failed to finalize idempotency record", "key", key, "op", op, "error", err)
		return
	}
	if !ok {
		g.logger().WarnContext(ctx, "idempotency record was not finalized", "key", key, "op", op)
	}
}

// StatusForError maps pipeline errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrKeyRequired), errors.Is(err, ErrInvalidKey), errors.Is(err, ErrUnreadableBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		// Store failures fail the route closed.
		return http.StatusServiceUnavailable
	}
}
