package domain

import "errors"

// Error taxonomy for chain access. NotFound is frequently a meaningful answer
// (a missed slot), not a fault; callers must be able to tell it apart from
// transport failures.
var (
	// ErrNotFound means the requested slot/resource has no data on chain.
	ErrNotFound = errors.New("not found")

	// ErrRequest is a transport or HTTP level failure; retryable.
	ErrRequest = errors.New("request failed")

	// ErrDependentRootMismatch means a duty set was computed against a view
	// that has since been reorged away. The duty fetch must be re-derived and
	// repeated; retrying the same request is pointless.
	ErrDependentRootMismatch = errors.New("dependent root mismatch")

	// ErrDepthExceeded means a missed-slot probe exhausted its depth bound.
	ErrDepthExceeded = errors.New("search depth exceeded")

	// ErrInconsistentChain means a header walk violated a chain invariant,
	// e.g. the supplied later header sits below the walk target.
	ErrInconsistentChain = errors.New("inconsistent chain")
)
