// Package types defines the core data structures for the Recall memory engine.
// These types represent memory items, their version chains, write candidates,
// and the context bundles assembled for prompt injection.
package types

// Tier identifies which memory tier an item lives in. Tiers differ in
// retention policy, recency half-life, and token budget on the read path.
type Tier string

// Memory tier constants
const (
	// TierProfile holds durable user facts and preferences
	TierProfile Tier = "profile"

	// TierEpisodic holds recent conversational events
	TierEpisodic Tier = "episodic"

	// TierReflective holds summaries condensed from episodic clusters
	TierReflective Tier = "reflective"

	// TierTask holds active goals and commitments
	TierTask Tier = "task"
)

// ValidTiers contains all valid tier values.
var ValidTiers = []Tier{TierProfile, TierEpisodic, TierReflective, TierTask}

// IsValidTier checks if the given tier is one of the known tiers.
func IsValidTier(t Tier) bool {
	for _, v := range ValidTiers {
		if t == v {
			return true
		}
	}
	return false
}

// Source type constants describe where an item's content originated.
// The scorer maps these to reliability weights.
const (
	SourceUserStated = "user_stated" // explicit statement by the user
	SourceExtracted  = "extracted"   // extracted by the candidate pipeline
	SourceInferred   = "inferred"    // inferred indirectly from conversation
	SourceSummarized = "summarized"  // produced by compaction summarization
	SourceMerged     = "merged"      // produced by conflict-resolution merge
)

// WriteOutcome represents the final disposition of a single write candidate.
type WriteOutcome string

// Write outcome constants
const (
	// OutcomeInserted indicates a new item was stored
	OutcomeInserted WriteOutcome = "inserted"

	// OutcomeCorroborated indicates an existing item absorbed the observation
	OutcomeCorroborated WriteOutcome = "corroborated"

	// OutcomeMerged indicates the candidate and an existing item were
	// synthesized into a new item that closed both
	OutcomeMerged WriteOutcome = "merged"

	// OutcomeSuperseded indicates the candidate replaced an existing item
	OutcomeSuperseded WriteOutcome = "superseded"

	// OutcomeRejected indicates the candidate was not stored; see Reason
	OutcomeRejected WriteOutcome = "rejected"
)

// RejectReason explains why a candidate was rejected.
type RejectReason string

// Reject reason constants
const (
	RejectLowConfidence     RejectReason = "low_confidence"
	RejectInvalidCandidate  RejectReason = "invalid_candidate"
	RejectDependencyFailure RejectReason = "dependency_unavailable"
	RejectCapacityExceeded  RejectReason = "capacity_exceeded"
	RejectKeptExisting      RejectReason = "kept_existing"
	RejectNeedsUser         RejectReason = "needs_user_confirmation"
)
