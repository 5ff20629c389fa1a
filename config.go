package idempotency

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv builds a Config from IDEMPOTENCY_* variables, falling back to
// DefaultConfig for anything unset. getenv is usually os.Getenv.
//
//	IDEMPOTENCY_HEADER_NAME            header carrying the key
//	IDEMPOTENCY_DEFAULT_TTL            duration, e.g. 24h
//	IDEMPOTENCY_MIN_TTL                duration
//	IDEMPOTENCY_MAX_TTL                duration
//	IDEMPOTENCY_KEY_PREFIX             cache namespace
//	IDEMPOTENCY_VALIDATE_FINGERPRINT   bool
//	IDEMPOTENCY_REQUIRE_KEY            bool
//	IDEMPOTENCY_METHODS                comma-separated list, e.g. POST,PUT,PATCH
//	IDEMPOTENCY_EXCLUDED_PATHS         comma-separated path prefixes
//	IDEMPOTENCY_PROCESSING_TIMEOUT     duration (informational)
//	IDEMPOTENCY_MAX_KEY_LENGTH         int
//	IDEMPOTENCY_MAX_BODY_BYTES         int
func ConfigFromEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if v := getenv("IDEMPOTENCY_HEADER_NAME"); v != "" {
		cfg.HeaderName = v
	}
	if v := getenv("IDEMPOTENCY_KEY_PREFIX"); v != "" {
		cfg.KeyPrefix = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"IDEMPOTENCY_DEFAULT_TTL", &cfg.DefaultTTL},
		{"IDEMPOTENCY_MIN_TTL", &cfg.MinTTL},
		{"IDEMPOTENCY_MAX_TTL", &cfg.MaxTTL},
		{"IDEMPOTENCY_PROCESSING_TIMEOUT", &cfg.ProcessingTimeout},
	}
	for _, d := range durations {
		v := getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a duration (e.g. 24h): %w", d.name, err)
		}
		*d.dst = parsed
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"IDEMPOTENCY_VALIDATE_FINGERPRINT", &cfg.ValidateFingerprint},
		{"IDEMPOTENCY_REQUIRE_KEY", &cfg.RequireKey},
	}
	for _, b := range bools {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a bool: %w", b.name, err)
		}
		*b.dst = parsed
	}

	if v := getenv("IDEMPOTENCY_METHODS"); v != "" {
		WithMethods(splitList(v)...)(cfg)
	}
	if v := getenv("IDEMPOTENCY_EXCLUDED_PATHS"); v != "" {
		cfg.ExcludedPaths = splitList(v)
	}
	if v := getenv("IDEMPOTENCY_MAX_KEY_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("IDEMPOTENCY_MAX_KEY_LENGTH must be an int: %w", err)
		}
		cfg.MaxKeyLength = n
	}
	if v := getenv("IDEMPOTENCY_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("IDEMPOTENCY_MAX_BODY_BYTES must be an int: %w", err)
		}
		cfg.MaxBodyBytes = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
