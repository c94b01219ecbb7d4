package types

import (
	"fmt"
	"time"
)

// MemoryItem represents one version of a remembered fact, event, or goal.
// Items are append-only: an update never mutates the stored text of an
// existing item, it closes the old version (ValidTo set, SupersededByID
// linked) and inserts a successor. The chain of SupersedesID links forms
// the item's version history.
type MemoryItem struct {
	// Core identification
	ID     string `json:"id"`      // ULID, lexicographically sortable by creation time
	UserID string `json:"user_id"` // Owning user; items never cross users
	Tier   Tier   `json:"tier"`    // Memory tier

	// Structured key (optional; empty for free-form episodic items).
	// At most one active item may exist per (UserID, Subject, Predicate).
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate,omitempty"`
	Value     string `json:"value,omitempty"`

	// Content
	Text      string    `json:"text"`                // Natural-language content
	Embedding []float32 `json:"embedding,omitempty"` // Vector for the current text
	Tags      []string  `json:"tags,omitempty"`      // User-defined or pipeline tags

	// Quality signals
	ConfidenceBase float64 `json:"confidence_base"` // Extractor/source confidence (0.0-1.0)
	Importance     float64 `json:"importance"`      // Intrinsic importance (0.0-1.0)
	Source         string  `json:"source"`          // Source type (see Source* constants)
	SeenCount      int     `json:"seen_count"`      // Distinct observations of this fact

	// Observation window
	FirstSeen time.Time `json:"first_seen"` // First observation
	LastSeen  time.Time `json:"last_seen"`  // Most recent observation; never before FirstSeen

	// Validity window (version lifecycle)
	ValidFrom time.Time  `json:"valid_from"`         // When this version became current
	ValidTo   *time.Time `json:"valid_to,omitempty"` // When it was closed (nil = active)

	// Version chain
	SupersedesID   string `json:"supersedes_id,omitempty"`    // Predecessor version, if any
	SupersededByID string `json:"superseded_by_id,omitempty"` // Successor version, set when closed

	// Lifecycle flags
	Archived   bool `json:"archived"`   // Evicted from hot capacity; excluded from the index
	Tombstoned bool `json:"tombstoned"` // User-initiated erasure marker

	// Optimistic concurrency counter, bumped on every store mutation
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemKey is the structured identity of a fact: the single-active-version
// invariant is scoped to one of these.
type ItemKey struct {
	UserID    string
	Subject   string
	Predicate string
}

// String renders the key in a stable form usable for lock keying.
func (k ItemKey) String() string {
	return fmt.Sprintf("%s\x1f%s\x1f%s", k.UserID, k.Subject, k.Predicate)
}

// Key returns the item's structured key. Only meaningful when HasKey is true.
func (m *MemoryItem) Key() ItemKey {
	return ItemKey{UserID: m.UserID, Subject: m.Subject, Predicate: m.Predicate}
}

// HasKey reports whether the item carries a structured subject/predicate key.
func (m *MemoryItem) HasKey() bool {
	return m.Subject != "" && m.Predicate != ""
}

// IsActive reports whether this version is current: not closed, not
// tombstoned. Archived items remain active versions of their chain but
// are excluded from retrieval.
func (m *MemoryItem) IsActive() bool {
	return m.ValidTo == nil && !m.Tombstoned
}

// HasTag checks whether the item carries the given tag.
func (m *MemoryItem) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks structural invariants that must hold for any stored item.
func (m *MemoryItem) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("item user_id is required")
	}
	if !IsValidTier(m.Tier) {
		return fmt.Errorf("invalid tier %q", m.Tier)
	}
	if m.Text == "" {
		return fmt.Errorf("item text is required")
	}
	if (m.Subject == "") != (m.Predicate == "") {
		return fmt.Errorf("subject and predicate must be set together")
	}
	if m.ConfidenceBase < 0 || m.ConfidenceBase > 1 {
		return fmt.Errorf("confidence_base %.3f out of range [0,1]", m.ConfidenceBase)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("importance %.3f out of range [0,1]", m.Importance)
	}
	if !m.FirstSeen.IsZero() && !m.LastSeen.IsZero() && m.LastSeen.Before(m.FirstSeen) {
		return fmt.Errorf("last_seen precedes first_seen")
	}
	if m.ValidTo != nil && m.ValidTo.Before(m.ValidFrom) {
		return fmt.Errorf("valid_to precedes valid_from")
	}
	return nil
}
