package types

import (
	"fmt"
	"time"
)

// Candidate is a proposed memory produced by the extraction pipeline,
// submitted to the write gate. The gate decides whether it becomes a new
// item, corroborates an existing one, or is rejected.
type Candidate struct {
	Tier Tier `json:"tier"`

	// Structured key, optional. When set, the gate consults the active
	// item under the same (user, subject, predicate).
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate,omitempty"`
	Value     string `json:"value,omitempty"`

	Text       string   `json:"text"`                 // Natural-language content
	Confidence float64  `json:"confidence"`           // Extractor confidence (0.0-1.0)
	Importance float64  `json:"importance,omitempty"` // Intrinsic importance (0.0-1.0)
	Source     string   `json:"source,omitempty"`     // Source type; defaults to extracted
	Tags       []string `json:"tags,omitempty"`

	// ObservedAt is when the underlying observation happened.
	// Zero means "now" at commit time.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Validate checks the candidate is structurally acceptable before any
// external call is made on its behalf.
func (c *Candidate) Validate() error {
	if !IsValidTier(c.Tier) {
		return fmt.Errorf("invalid tier %q", c.Tier)
	}
	if c.Text == "" {
		return fmt.Errorf("candidate text is required")
	}
	if (c.Subject == "") != (c.Predicate == "") {
		return fmt.Errorf("subject and predicate must be set together")
	}
	if c.Subject != "" && c.Value == "" {
		return fmt.Errorf("keyed candidate requires a value")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0,1]", c.Confidence)
	}
	if c.Importance < 0 || c.Importance > 1 {
		return fmt.Errorf("importance %.3f out of range [0,1]", c.Importance)
	}
	return nil
}

// WriteResult reports what happened to one candidate. A batch write
// returns one result per candidate, in submission order.
type WriteResult struct {
	Outcome WriteOutcome `json:"outcome"`
	Reason  RejectReason `json:"reason,omitempty"` // Set when Outcome is rejected

	// CandidateRef identifies this candidate within its batch
	// ("<batch-id>/<position>") so callers can correlate results with
	// submissions across logs.
	CandidateRef string `json:"candidate_ref,omitempty"`

	ItemID       string   `json:"item_id,omitempty"`       // Item created or updated
	SupersededID string   `json:"superseded_id,omitempty"` // Item closed by a supersede
	MergedIDs    []string `json:"merged_ids,omitempty"`    // Parents closed by a merge

	// Question is populated when the resolver wants user confirmation
	// before committing either side of a high-stakes conflict.
	Question string `json:"question,omitempty"`

	Err error `json:"-"` // Underlying error for dependency failures
}
