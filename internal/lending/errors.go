package lending

import "errors"

// Sentinel errors forming the domain taxonomy. Callers classify with
// errors.Is and surface the wrapped message verbatim.
var (
	// ErrNotFound marks lookups of unknown position or pool ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState marks an operation attempted from the wrong status.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation marks a domain rule violation: amount exceeds owed,
	// insufficient liquidity, insufficient collateral ratio, not the owner.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden marks a caller acting on a position they are not a
	// party to, e.g. repaying someone else's loan.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstream marks a failed price feed or indexer call. The core never
	// retries these; the indexer client owns retry policy.
	ErrUpstream = errors.New("upstream failure")

	// ErrConflict marks a lost optimistic-concurrency race in the store.
	ErrConflict = errors.New("conflict")
)
