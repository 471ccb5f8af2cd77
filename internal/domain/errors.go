package domain

import "errors"

// Sentinel errors shared across repositories, services, and handlers.
// Wrap them with fmt.Errorf("...: %w", err) to add context; callers
// match with errors.Is.
var (
	// ErrInvalidInput marks a request that fails validation (bad rating,
	// bad limit, malformed id). Not retryable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a missing card, problem, or user.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists marks a unique-constraint conflict.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized marks a request without a valid authenticated user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited marks a denial by a rate limiter or admission gate.
	// Recommendation paths convert it into a fallback reason instead of
	// surfacing it to the caller.
	ErrRateLimited = errors.New("rate limited")

	// ErrDuplicateInFlight marks a write whose request id is already being
	// processed by another in-flight request.
	ErrDuplicateInFlight = errors.New("duplicate request in flight")

	// ErrTransient marks infrastructure failures (database, cache) that the
	// caller may retry.
	ErrTransient = errors.New("transient error")

	// ErrNumericalDivergence marks an optimizer run abandoned because the
	// loss or gradient became non-finite.
	ErrNumericalDivergence = errors.New("numerical divergence")
)
