// Package engine implements the read, write, and compaction paths of the
// Recall memory engine: scoring, retrieval under token budgets, the write
// gate, conflict resolution, and background compaction.
package engine

import "errors"

var (
	// ErrInvariantViolation reports a corrupted version chain, such as two
	// active versions under one key. Raised when a keyed write observes the
	// corruption; never swallowed. Repair recovers.
	ErrInvariantViolation = errors.New("version chain invariant violated")

	// ErrCapacityExceeded reports a tier at its active-item cap. The write
	// is rejected rather than evicting higher-priority items; compaction
	// frees space on its next sweep.
	ErrCapacityExceeded = errors.New("tier capacity exceeded")

	// ErrDependencyUnavailable reports that an external model call failed
	// after retries. Reads degrade per tier; writes reject per candidate.
	ErrDependencyUnavailable = errors.New("external dependency unavailable")
)
