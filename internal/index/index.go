// Package index maintains the in-process vector index used by the read
// path. The index is a derived projection of the item store: it can be
// rebuilt from persisted items and embeddings at any time, so index loss
// is never data loss.
//
// Each (user, tier) pair gets its own chromem-go collection. chromem-go is
// a pure Go embedded vector database, so degradation of one collection
// never affects another user or tier.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Index provides vector search over active items per user and tier.
type Index interface {
	// Upsert adds or replaces an item in its (user, tier) collection.
	// Items without embeddings are ignored.
	Upsert(ctx context.Context, item *types.MemoryItem) error

	// Remove drops an item from its collection. Removing an absent item
	// is not an error.
	Remove(ctx context.Context, userID string, tier types.Tier, id string) error

	// Search returns up to limit items of one user and tier ordered by
	// cosine similarity to the query vector.
	Search(ctx context.Context, userID string, tier types.Tier, query []float32, limit int) ([]types.MemoryItem, error)

	// RebuildUser repopulates all of one user's collections from the
	// store. Used at startup and after suspected index drift.
	RebuildUser(ctx context.Context, store storage.ItemStore, userID string) error
}

// ChromemIndex implements Index on chromem-go collections.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex creates an empty in-memory index.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func collectionName(userID string, tier types.Tier) string {
	// chromem collection names are restricted; normalise the user ID.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
	return fmt.Sprintf("u_%s_%s", safe, tier)
}

func (ix *ChromemIndex) collection(userID string, tier types.Tier) (*chromem.Collection, error) {
	name := collectionName(userID, tier)

	ix.mu.RLock()
	col, ok := ix.collections[name]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[name]; ok {
		return col, nil
	}

	col, err := ix.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: create collection %s: %w", name, err)
	}
	ix.collections[name] = col
	return col, nil
}

// Upsert adds or replaces an item. The full item is serialized into the
// document so the read path never has to consult the store.
func (ix *ChromemIndex) Upsert(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || len(item.Embedding) == 0 {
		return nil
	}

	col, err := ix.collection(item.UserID, item.Tier)
	if err != nil {
		return err
	}

	content, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("index: marshal item %s: %w", item.ID, err)
	}

	doc := chromem.Document{
		ID:        item.ID,
		Content:   string(content),
		Embedding: item.Embedding,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index: add document %s: %w", item.ID, err)
	}
	return nil
}

// Remove drops an item from its collection.
func (ix *ChromemIndex) Remove(ctx context.Context, userID string, tier types.Tier, id string) error {
	col, err := ix.collection(userID, tier)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("index: delete document %s: %w", id, err)
	}
	return nil
}

// Search returns up to limit items ordered by cosine similarity.
func (ix *ChromemIndex) Search(ctx context.Context, userID string, tier types.Tier, query []float32, limit int) ([]types.MemoryItem, error) {
	col, err := ix.collection(userID, tier)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults greater than the collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}
	if limit < 1 {
		limit = 1
	}

	results, err := col.QueryEmbedding(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: query failed: %w", err)
	}

	items := make([]types.MemoryItem, 0, len(results))
	for _, res := range results {
		var item types.MemoryItem
		if err := json.Unmarshal([]byte(res.Content), &item); err != nil {
			log.Printf("index: skipping undecodable document %s: %v", res.ID, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// RebuildUser repopulates all of one user's collections from the store.
// Existing collections for the user are recreated from scratch.
func (ix *ChromemIndex) RebuildUser(ctx context.Context, store storage.ItemStore, userID string) error {
	for _, tier := range types.ValidTiers {
		name := collectionName(userID, tier)

		ix.mu.Lock()
		delete(ix.collections, name)
		if err := ix.db.DeleteCollection(name); err != nil {
			ix.mu.Unlock()
			return fmt.Errorf("index: drop collection %s: %w", name, err)
		}
		ix.mu.Unlock()

		page := 1
		for {
			res, err := store.ListActive(ctx, userID, tier, storage.ListOptions{Page: page, Limit: 500})
			if err != nil {
				return fmt.Errorf("index: rebuild list %s/%s: %w", userID, tier, err)
			}
			for i := range res.Items {
				if err := ix.Upsert(ctx, &res.Items[i]); err != nil {
					return err
				}
			}
			if !res.HasMore {
				break
			}
			page++
		}
	}

	log.Printf("index: rebuilt collections for user %s", userID)
	return nil
}

// StoreSearcher adapts a storage.VectorSearcher (e.g. the Postgres store
// with pgvector) to the read path's searcher shape. Upsert/Remove/Rebuild
// are no-ops because the store maintains its own vector column.
type StoreSearcher struct {
	Store storage.VectorSearcher
}

// Upsert is a no-op; the backing store indexes on insert.
func (s *StoreSearcher) Upsert(ctx context.Context, item *types.MemoryItem) error { return nil }

// Remove is a no-op; closed and archived rows drop out of the store's
// search predicate.
func (s *StoreSearcher) Remove(ctx context.Context, userID string, tier types.Tier, id string) error {
	return nil
}

// Search delegates to the store's native ANN search.
func (s *StoreSearcher) Search(ctx context.Context, userID string, tier types.Tier, query []float32, limit int) ([]types.MemoryItem, error) {
	return s.Store.SearchActive(ctx, userID, tier, query, limit)
}

// RebuildUser is a no-op for store-backed search.
func (s *StoreSearcher) RebuildUser(ctx context.Context, store storage.ItemStore, userID string) error {
	return nil
}
