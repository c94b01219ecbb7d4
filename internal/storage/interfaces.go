// Package storage provides the persistence interfaces for the Recall engine.
//
// The item store is append-only at the version level: updates close an old
// version and insert a successor rather than mutating stored text. Backends
// implement the ItemStore interface; the engine never talks SQL directly.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// ItemStore provides durable storage for memory items and their version
// chains. All operations are scoped by user through the item fields; no
// operation ever reads or writes across users.
type ItemStore interface {
	// Insert stores a new item version. Returns ErrDuplicateActive if the
	// item is keyed and an active version already exists under its key.
	Insert(ctx context.Context, item *types.MemoryItem) error

	// Get retrieves an item by ID. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*types.MemoryItem, error)

	// GetActive returns the active version under a structured key, or
	// ErrNotFound when the key has no active version.
	GetActive(ctx context.Context, key types.ItemKey) (*types.MemoryItem, error)

	// CloseItem closes an active version: sets valid_to, links the
	// successor, and bumps the version counter. The write only applies if
	// the stored version still equals expectedVersion; otherwise
	// ErrVersionConflict is returned and the caller re-reads.
	CloseItem(ctx context.Context, id string, validTo time.Time, supersededByID string, expectedVersion int64) error

	// Corroborate records a repeat observation: increments seen_count,
	// advances last_seen, and blends the incoming confidence into the
	// stored base as a count-weighted average. Atomic per item.
	Corroborate(ctx context.Context, id string, seenAt time.Time, confidence float64) error

	// ListActive lists a user's active items in one tier.
	ListActive(ctx context.Context, userID string, tier types.Tier, opts ListOptions) (*PaginatedResult[types.MemoryItem], error)

	// CountActive counts a user's active, non-archived items in one tier.
	CountActive(ctx context.Context, userID string, tier types.Tier) (int, error)

	// ListChain returns the full version history containing the given
	// item, ordered oldest to newest. It walks backward via supersedes_id
	// and forward via superseded_by_id, capped to prevent cycles.
	ListChain(ctx context.Context, id string) ([]*types.MemoryItem, error)

	// Tombstone marks an item erased at the user's request. The row
	// remains for chain integrity but is excluded from every read path.
	Tombstone(ctx context.Context, id string) error

	// Archive moves an item out of hot capacity. Archived items are
	// excluded from retrieval but never deleted.
	Archive(ctx context.Context, id string) error

	// RepairActiveDuplicates restores the single-active-version invariant
	// for one user after external interference: for every key with more
	// than one active version, all but the most recently updated are
	// closed. Returns the number of versions closed.
	RepairActiveDuplicates(ctx context.Context, userID string) (int, error)

	// ListUsers returns the distinct user IDs present in the store.
	// Used by the compaction sweep.
	ListUsers(ctx context.Context) ([]string, error)

	// Stats summarizes one user's items per tier.
	Stats(ctx context.Context, userID string) (*UserStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// VectorSearcher is implemented by stores that can run approximate
// nearest-neighbor search natively (e.g. Postgres with pgvector). The
// engine prefers a native searcher over the in-process index when the
// configured store provides one.
type VectorSearcher interface {
	// SearchActive returns up to limit active, non-archived items of one
	// user and tier ordered by cosine similarity to the query vector.
	SearchActive(ctx context.Context, userID string, tier types.Tier, query []float32, limit int) ([]types.MemoryItem, error)
}
