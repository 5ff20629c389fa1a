package idempotency

import "errors"

var (
	// ErrRequestInProgress is returned when a request with the same key is already being processed
	ErrRequestInProgress = errors.New("request with this idempotency key is already in progress")

	// ErrFingerprintMismatch is returned when a key is reused with a different request payload
	ErrFingerprintMismatch = errors.New("idempotency key was already used with a different request payload")

	// ErrNotFound is returned by a Cache when no value is stored under a key
	ErrNotFound = errors.New("idempotency record not found")

	// ErrKeyRequired is returned when the idempotency header is missing and the route requires it
	ErrKeyRequired = errors.New("idempotency key is required")

	// ErrInvalidKey is returned when the supplied idempotency key cannot be used
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrBodyTooLarge is returned when the request body exceeds the fingerprinting limit
	ErrBodyTooLarge = errors.New("request body too large to fingerprint")

	// ErrUnreadableBody is returned when the request body cannot be read for fingerprinting
	ErrUnreadableBody = errors.New("request body could not be read")

	// ErrUnsupported is returned by administrative operations when the cache cannot enumerate or count
	ErrUnsupported = errors.New("operation not supported by cache")

	// ErrInvalidConfig wraps configuration validation failures
	ErrInvalidConfig = errors.New("invalid idempotency configuration")
)
