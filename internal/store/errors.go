package store

import "errors"

// Sentinel errors returned by Store implementations.
var (
	// ErrUnavailable indicates the backing store cannot be reached.
	// Read-through paths fall back to cached data where possible.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict indicates a write lost to an existing conflicting
	// record, such as a device already owned by another user.
	ErrConflict = errors.New("store conflict")

	// ErrNotFound indicates a record required by the operation does not
	// exist. Optional-returning getters use (nil, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrExhaustedCodes indicates entry-key generation could not find a
	// free code within its retry bound.
	ErrExhaustedCodes = errors.New("entry key code space exhausted")
)
