package idempotency

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "X-Idempotency-Key"
	// ReplayedHeaderName marks whether a response was served from the cache
	ReplayedHeaderName = "X-Idempotency-Replayed"
	// DefaultTTL is the default time-to-live for idempotency records
	DefaultTTL = 24 * time.Hour
	// DefaultMinTTL and DefaultMaxTTL bound caller-requested TTLs
	DefaultMinTTL = time.Minute
	DefaultMaxTTL = 7 * 24 * time.Hour
	// DefaultKeyPrefix namespaces records in the shared cache
	DefaultKeyPrefix = "idempotency"
	// DefaultProcessingTimeout is advisory; stuck claims are only released by TTL expiry
	DefaultProcessingTimeout = 30 * time.Second
	DefaultMaxKeyLength      = 255
	DefaultMaxBodyBytes      = 1 << 20
)

var validate = validator.New()

// Config holds the static idempotency policy shared by the coordinator and
// the pipeline adapters. It is passed explicitly; there is no global instance.
type Config struct {
	HeaderName string `validate:"required"`

	DefaultTTL time.Duration `validate:"gtefield=MinTTL,ltefield=MaxTTL"`
	MinTTL     time.Duration `validate:"gt=0"`
	MaxTTL     time.Duration `validate:"gtefield=MinTTL"`

	KeyPrefix           string `validate:"excludes=:"`
	// Scope optionally partitions keys below KeyPrefix, e.g. per route.
	Scope               string `validate:"excludes=:"`
	ValidateFingerprint bool
	RequireKey          bool

	Methods       []string `validate:"min=1,dive,oneof=POST PUT PATCH DELETE"`
	ExcludedPaths []string `validate:"dive,startswith=/"`

	// ProcessingTimeout is informational only; it is not enforced beyond the record TTL.
	ProcessingTimeout time.Duration `validate:"gte=0"`

	MaxKeyLength int   `validate:"gt=0"`
	MaxBodyBytes int64 `validate:"gt=0"`

	// TTLFunc returns the TTL a request asks for. Zero means DefaultTTL.
	TTLFunc TTLFunc `validate:"-"`
}

// TTLFunc extracts a requested record TTL from an inbound request.
type TTLFunc func(r *http.Request) time.Duration

// Option is a functional option for configuring idempotency
type Option func(*Config)

// DefaultConfig returns the default policy.
func DefaultConfig() *Config {
	return &Config{
		HeaderName:          DefaultHeaderName,
		DefaultTTL:          DefaultTTL,
		MinTTL:              DefaultMinTTL,
		MaxTTL:              DefaultMaxTTL,
		KeyPrefix:           DefaultKeyPrefix,
		ValidateFingerprint: true,
		Methods:             []string{http.MethodPost, http.MethodPut, http.MethodPatch},
		ProcessingTimeout:   DefaultProcessingTimeout,
		MaxKeyLength:        DefaultMaxKeyLength,
		MaxBodyBytes:        DefaultMaxBodyBytes,
	}
}

// NewConfig returns DefaultConfig with opts applied.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Validate checks the policy for internal consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Clone returns a copy that can be modified without affecting c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Methods = append([]string(nil), c.Methods...)
	cp.ExcludedPaths = append([]string(nil), c.ExcludedPaths...)
	return &cp
}

// ClampTTL bounds a requested TTL to [MinTTL, MaxTTL]. Zero or negative
// requests get DefaultTTL.
func (c *Config) ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = c.DefaultTTL
	}
	if requested < c.MinTTL {
		return c.MinTTL
	}
	if requested > c.MaxTTL {
		return c.MaxTTL
	}
	return requested
}

// Key namespaces a caller-supplied key as "<prefix>:<key>", or
// "<prefix>:<scope>:<key>" when a scope is set.
func (c *Config) Key(callerKey string) string {
	if c.Scope != "" {
		callerKey = c.Scope + ":" + callerKey
	}
	if c.KeyPrefix == "" {
		return callerKey
	}
	return c.KeyPrefix + ":" + callerKey
}

// ScanPrefix is the cache prefix shared by every record under this policy.
func (c *Config) ScanPrefix() string {
	if c.KeyPrefix == "" {
		return ""
	}
	return c.KeyPrefix + ":"
}

func (c *Config) appliesToMethod(method string) bool {
	for _, m := range c.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (c *Config) excluded(path string) bool {
	for _, p := range c.ExcludedPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithTTL sets the default time-to-live for records
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// WithTTLBounds sets the range requested TTLs are clamped to
func WithTTLBounds(min, max time.Duration) Option {
	return func(c *Config) {
		c.MinTTL = min
		c.MaxTTL = max
	}
}

// WithKeyPrefix sets the namespace prepended to every caller key
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithScope partitions keys below the prefix, allowing per-route namespaces
func WithScope(scope string) Option {
	return func(c *Config) {
		c.Scope = scope
	}
}

// WithFingerprintValidation turns request fingerprint comparison on or off
func WithFingerprintValidation(enabled bool) Option {
	return func(c *Config) {
		c.ValidateFingerprint = enabled
	}
}

// WithRequireKey rejects tracked requests that carry no idempotency key
func WithRequireKey(required bool) Option {
	return func(c *Config) {
		c.RequireKey = required
	}
}

// WithMethods sets the HTTP methods that are tracked
func WithMethods(methods ...string) Option {
	return func(c *Config) {
		c.Methods = make([]string, 0, len(methods))
		for _, m := range methods {
			c.Methods = append(c.Methods, strings.ToUpper(m))
		}
	}
}

// WithExcludedPaths skips tracking for paths starting with any of prefixes
func WithExcludedPaths(prefixes ...string) Option {
	return func(c *Config) {
		c.ExcludedPaths = append([]string(nil), prefixes...)
	}
}

// WithProcessingTimeout records the expected upper bound for handler execution
func WithProcessingTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ProcessingTimeout = d
	}
}

// WithMaxKeyLength limits the accepted idempotency key length
func WithMaxKeyLength(n int) Option {
	return func(c *Config) {
		c.MaxKeyLength = n
	}
}

// WithMaxBodyBytes limits how much of the request body is read for fingerprinting
func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBodyBytes = n
	}
}

// WithTTLFunc sets a per-request TTL source
func WithTTLFunc(fn TTLFunc) Option {
	return func(c *Config) {
		c.TTLFunc = fn
	}
}
