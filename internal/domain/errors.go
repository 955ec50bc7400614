package domain

import "errors"

var (
	// ErrNotFound signals an unknown (batch, recipient) pair. Mutators
	// never create records implicitly; callers must check for this.
	ErrNotFound = errors.New("receipt not found")

	// ErrValidation wraps all input validation failures.
	ErrValidation = errors.New("validation error")

	// ErrConflict signals an operation that is not available in the
	// current configuration or state.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited signals that acknowledgment ingestion was rejected
	// by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
)
