package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Engine is the facade over the read path, the write path, and the
// compaction loop. One Engine serves all users of one store.
type Engine struct {
	store     storage.ItemStore
	index     index.Index
	retriever *Retriever
	gate      *WriteGate
	compactor *Compactor
	cfg       config.EngineConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New wires an engine from its collaborators. The weights source may be
// hot-reloaded externally; every operation reads a fresh snapshot.
func New(store storage.ItemStore, idx index.Index, embedder gateway.Embedder, synth gateway.Synthesizer, weights *config.WeightsSource, cfg config.EngineConfig, gwCfg config.GatewayConfig) *Engine {
	locks := newUserLocks()
	resolver := NewResolver(synth, weights, gwCfg.MaxRetries, gwCfg.RetryBaseDelay)
	return &Engine{
		store:     store,
		index:     idx,
		retriever: NewRetriever(idx, embedder, weights, cfg),
		gate:      NewWriteGate(store, idx, embedder, resolver, weights, locks, cfg),
		compactor: NewCompactor(store, idx, embedder, synth, weights, locks, cfg),
		cfg:       cfg,
	}
}

// Retrieve builds the memory context for one turn.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) (*types.ContextBundle, error) {
	return e.retriever.Retrieve(ctx, req)
}

// Write runs the write gate over a batch of candidates.
func (e *Engine) Write(ctx context.Context, userID string, candidates []types.Candidate) []types.WriteResult {
	return e.gate.Process(ctx, userID, candidates)
}

// Compact runs one full compaction sweep across all users.
func (e *Engine) Compact(ctx context.Context) error {
	return e.compactor.Run(ctx)
}

// CompactUser runs compaction for one user only.
func (e *Engine) CompactUser(ctx context.Context, userID string) error {
	return e.compactor.CompactUser(ctx, userID)
}

// Repair restores the single-active-version invariant for one user and
// rebuilds their index collections from the repaired store.
func (e *Engine) Repair(ctx context.Context, userID string) (int, error) {
	closed, err := e.store.RepairActiveDuplicates(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("repair: %w", err)
	}
	if closed > 0 {
		log.Printf("engine: repair closed %d duplicate active versions for user %s", closed, userID)
	}
	if err := e.index.RebuildUser(ctx, e.store, userID); err != nil {
		return closed, fmt.Errorf("repair: rebuilding index: %w", err)
	}
	return closed, nil
}

// RebuildIndex repopulates one user's index collections from the store.
func (e *Engine) RebuildIndex(ctx context.Context, userID string) error {
	return e.index.RebuildUser(ctx, e.store, userID)
}

// Get returns one item by ID.
func (e *Engine) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	return e.store.Get(ctx, id)
}

// Chain returns the full version history containing the given item,
// oldest first.
func (e *Engine) Chain(ctx context.Context, id string) ([]*types.MemoryItem, error) {
	return e.store.ListChain(ctx, id)
}

// Stats summarizes one user's memory per tier.
func (e *Engine) Stats(ctx context.Context, userID string) (*storage.UserStats, error) {
	return e.store.Stats(ctx, userID)
}

// Forget tombstones an item at the user's request and drops it from the
// index. The row stays for version-chain integrity.
func (e *Engine) Forget(ctx context.Context, id string) error {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Tombstone(ctx, id); err != nil {
		return err
	}
	if err := e.index.Remove(ctx, item.UserID, item.Tier, id); err != nil {
		log.Printf("engine: index remove failed for tombstoned %s: %v", id, err)
	}
	return nil
}

// Start launches the background compaction loop. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	interval := e.cfg.CompactionInterval
	if interval <= 0 {
		interval = time.Hour
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := e.compactor.Run(ctx); err != nil {
					log.Printf("engine: compaction sweep failed: %v", err)
				}
				cancel()
			}
		}
	}()
	log.Printf("engine: compaction loop started, interval %s", interval)
}

// Stop halts the compaction loop and waits for an in-flight sweep's
// goroutine to exit. The store is not closed; the caller owns it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("engine: compaction loop stopped")
}
