package storage

import (
	"errors"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

var (
	// ErrNotFound indicates that the requested item was not found.
	ErrNotFound = errors.New("item not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict indicates an optimistic-concurrency check failed:
	// the item changed between read and write. Callers retry from a fresh read.
	ErrVersionConflict = errors.New("item version conflict")

	// ErrDuplicateActive indicates an insert would create a second active
	// version under a structured key that already has one.
	ErrDuplicateActive = errors.New("duplicate active version for key")

	// ErrBrokenChain indicates a read found more than one active version
	// under a structured key. The store is corrupted, not contended;
	// RepairActiveDuplicates recovers.
	ErrBrokenChain = errors.New("multiple active versions under key")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering for active-item listings.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 500).
	Limit int

	// SortBy specifies the field to sort by (e.g., "last_seen", "valid_from").
	SortBy string

	// SortOrder specifies the sort direction ("asc" or "desc", default: "desc").
	SortOrder string

	// LastSeenBefore filters to items last observed strictly before this
	// time. Zero value means no bound. Used by compaction to find cold items.
	LastSeenBefore time.Time

	// MinSeenCount filters to items observed at least this many times.
	// Zero means no filter. Used by the promotion scan.
	MinSeenCount int

	// KeyedOnly restricts results to items carrying a structured
	// subject/predicate key.
	KeyedOnly bool

	// IncludeArchived includes archived items. By default archived items
	// are excluded, matching what retrieval is allowed to see.
	IncludeArchived bool
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"valid_from": true,
		"last_seen":  true,
		"first_seen": true,
		"seen_count": true,
		"id":         true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = "valid_from"
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}

	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = 50
	}

	if o.Limit > 500 {
		o.Limit = 500
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// TierStats summarizes one tier of one user's memory.
type TierStats struct {
	Active   int `json:"active"`
	Closed   int `json:"closed"`
	Archived int `json:"archived"`
}

// UserStats summarizes a user's memory across tiers.
type UserStats struct {
	UserID string                    `json:"user_id"`
	Tiers  map[types.Tier]TierStats  `json:"tiers"`
}

// Total returns the overall item count across tiers and states.
func (s *UserStats) Total() int {
	n := 0
	for _, t := range s.Tiers {
		n += t.Active + t.Closed + t.Archived
	}
	return n
}
