package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// embedConcurrency bounds parallel embedding calls within one batch.
const embedConcurrency = 4

// casAttempts bounds optimistic retries when a compaction or concurrent
// write moves an item between our read and our commit.
const casAttempts = 3

// newID returns a fresh item ID, sortable by creation time.
func newID() string {
	return ulid.Make().String()
}

// WriteGate decides the fate of extracted candidates: insert, corroborate,
// merge, supersede, or reject. Embeddings for a batch run in parallel;
// store mutations are serialized per structured key.
type WriteGate struct {
	store    storage.ItemStore
	index    index.Index
	embedder gateway.Embedder
	resolver *Resolver
	weights  *config.WeightsSource
	locks    *userLocks
	cfg      config.EngineConfig
}

// NewWriteGate wires a write path over the given store and index.
func NewWriteGate(store storage.ItemStore, idx index.Index, embedder gateway.Embedder, resolver *Resolver, weights *config.WeightsSource, locks *userLocks, cfg config.EngineConfig) *WriteGate {
	return &WriteGate{
		store:    store,
		index:    idx,
		embedder: embedder,
		resolver: resolver,
		weights:  weights,
		locks:    locks,
		cfg:      cfg,
	}
}

// Process runs the write algorithm for each candidate and returns one
// result per candidate in submission order. A failure on one candidate
// never aborts the rest of the batch, and once committing begins the
// batch runs to completion even if the caller goes away.
func (g *WriteGate) Process(ctx context.Context, userID string, candidates []types.Candidate) []types.WriteResult {
	batchRef := uuid.NewString()
	results := make([]types.WriteResult, len(candidates))
	embeddings := make([][]float32, len(candidates))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(embedConcurrency)
	for i := range candidates {
		if err := candidates[i].Validate(); err != nil {
			results[i] = types.WriteResult{
				Outcome: types.OutcomeRejected,
				Reason:  types.RejectInvalidCandidate,
				Err:     err,
			}
			continue
		}
		i := i
		grp.Go(func() error {
			vec, err := g.embedder.Embed(grpCtx, candidates[i].Text)
			if err != nil {
				results[i] = types.WriteResult{
					Outcome: types.OutcomeRejected,
					Reason:  types.RejectDependencyFailure,
					Err:     fmt.Errorf("embedding candidate: %w: %v", ErrDependencyUnavailable, err),
				}
				return nil
			}
			embeddings[i] = vec
			return nil
		})
	}
	grp.Wait()

	// Commits are deliberate writes; client disconnects must not leave a
	// candidate half-processed.
	commitCtx := context.WithoutCancel(ctx)
	for i := range candidates {
		if results[i].Outcome == "" {
			results[i] = g.commit(commitCtx, userID, &candidates[i], embeddings[i])
		}
		// Every result is traceable back to its submission, rejected
		// candidates included.
		results[i].CandidateRef = fmt.Sprintf("%s/%d", batchRef, i)
	}
	return results
}

func (g *WriteGate) commit(ctx context.Context, userID string, cand *types.Candidate, vec []float32) types.WriteResult {
	now := time.Now()
	observedAt := cand.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	// Novelty check against the nearest active item in the same tier.
	// A near-duplicate only counts as a restatement when it carries the
	// same fact; a keyed candidate whose value differs must resolve
	// through the structured-key path no matter how close the phrasings
	// embed.
	nearest, nearestSim := g.nearestActive(ctx, userID, cand.Tier, vec)
	if nearest != nil && nearestSim >= g.cfg.DuplicateThreshold && restatesFact(cand, nearest) {
		return g.corroborate(ctx, userID, nearest, observedAt, cand.Confidence)
	}

	if cand.Confidence < g.cfg.MinWriteConfidence {
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectLowConfidence}
	}

	if cand.Subject != "" {
		return g.commitKeyed(ctx, userID, cand, vec, now, observedAt)
	}
	if nearest != nil && nearestSim >= g.cfg.AmbiguousThreshold {
		return g.commitMerge(ctx, userID, cand, vec, nearest, now, observedAt)
	}
	return g.commitInsert(ctx, userID, cand, vec, now, observedAt, "")
}

// nearestActive returns the closest active, non-archived item of the
// tier, or nil. Index failures degrade to "nothing similar found"; the
// store's unique key index still backstops keyed duplicates.
func (g *WriteGate) nearestActive(ctx context.Context, userID string, tier types.Tier, vec []float32) (*types.MemoryItem, float64) {
	items, err := g.index.Search(ctx, userID, tier, vec, 5)
	if err != nil {
		log.Printf("engine: novelty search failed for user %s tier %s: %v", userID, tier, err)
		return nil, 0
	}
	var best *types.MemoryItem
	var bestSim float64
	for i := range items {
		if !items[i].IsActive() || items[i].Archived {
			continue
		}
		sim := Cosine(vec, items[i].Embedding)
		if best == nil || sim > bestSim {
			best = &items[i]
			bestSim = sim
		}
	}
	return best, bestSim
}

func (g *WriteGate) corroborate(ctx context.Context, userID string, item *types.MemoryItem, seenAt time.Time, confidence float64) types.WriteResult {
	unlock := g.locks.LockKey(userID, lockToken(item))
	defer unlock()

	if err := g.store.Corroborate(ctx, item.ID, seenAt, confidence); err != nil {
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
	}
	g.refreshIndex(ctx, item.ID)
	return types.WriteResult{Outcome: types.OutcomeCorroborated, ItemID: item.ID}
}

func (g *WriteGate) commitKeyed(ctx context.Context, userID string, cand *types.Candidate, vec []float32, now, observedAt time.Time) types.WriteResult {
	key := types.ItemKey{UserID: userID, Subject: cand.Subject, Predicate: cand.Predicate}
	unlock := g.locks.LockKey(userID, key.String())
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		old, err := g.store.GetActive(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			res := g.commitInsert(ctx, userID, cand, vec, now, observedAt, "")
			if errors.Is(res.Err, storage.ErrDuplicateActive) {
				continue // lost a race; re-read the winner
			}
			return res
		case errors.Is(err, storage.ErrBrokenChain):
			return types.WriteResult{
				Outcome: types.OutcomeRejected,
				Reason:  types.RejectDependencyFailure,
				Err:     fmt.Errorf("%w: %v", ErrInvariantViolation, err),
			}
		case err != nil:
			return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
		}

		if strings.EqualFold(strings.TrimSpace(old.Value), strings.TrimSpace(cand.Value)) {
			if err := g.store.Corroborate(ctx, old.ID, observedAt, cand.Confidence); err != nil {
				return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
			}
			g.refreshIndex(ctx, old.ID)
			return types.WriteResult{Outcome: types.OutcomeCorroborated, ItemID: old.ID}
		}

		switch g.resolver.Decide(old, cand, observedAt) {
		case Supersede:
			res, retry := g.supersede(ctx, userID, cand, vec, old, now, observedAt)
			if retry {
				continue
			}
			return res
		case AskUser:
			return types.WriteResult{
				Outcome:  types.OutcomeRejected,
				Reason:   types.RejectNeedsUser,
				Question: g.resolver.Question(old, cand),
			}
		default:
			return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectKeptExisting}
		}
	}
	return types.WriteResult{
		Outcome: types.OutcomeRejected,
		Reason:  types.RejectDependencyFailure,
		Err:     fmt.Errorf("key %s/%s: version conflicts persisted across %d attempts", cand.Subject, cand.Predicate, casAttempts),
	}
}

// supersede closes old and installs the candidate as its successor. A
// version conflict means someone moved the item under us; the caller
// re-reads and reapplies.
func (g *WriteGate) supersede(ctx context.Context, userID string, cand *types.Candidate, vec []float32, old *types.MemoryItem, now, observedAt time.Time) (types.WriteResult, bool) {
	successor := g.newItem(userID, cand, vec, now, observedAt)
	successor.SupersedesID = old.ID

	err := g.store.CloseItem(ctx, old.ID, now, successor.ID, old.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
		return types.WriteResult{}, true
	}
	if err != nil {
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}, false
	}

	if err := g.store.Insert(ctx, successor); err != nil {
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}, false
	}
	g.dropFromIndex(ctx, old)
	g.upsertIndex(ctx, successor)
	return types.WriteResult{
		Outcome:      types.OutcomeSuperseded,
		ItemID:       successor.ID,
		SupersededID: old.ID,
	}, false
}

// commitMerge handles the unkeyed ambiguous band: the candidate and the
// overlapping stored item are synthesized into one successor. If the
// synthesis dependency stays down the stored item is kept unchanged.
func (g *WriteGate) commitMerge(ctx context.Context, userID string, cand *types.Candidate, vec []float32, old *types.MemoryItem, now, observedAt time.Time) types.WriteResult {
	unlock := g.locks.LockKey(userID, lockToken(old))
	defer unlock()

	mergedText, err := g.resolver.MergeTexts(ctx, old.Text, cand.Text)
	if err != nil {
		log.Printf("engine: merge fell back to keeping %s: %v", old.ID, err)
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectKeptExisting, Err: err}
	}

	mergedVec, err := g.embedder.Embed(ctx, mergedText)
	if err != nil {
		return types.WriteResult{
			Outcome: types.OutcomeRejected,
			Reason:  types.RejectDependencyFailure,
			Err:     fmt.Errorf("embedding merged text: %w: %v", ErrDependencyUnavailable, err),
		}
	}

	// The snapshot of old may be stale: a corroboration can land between
	// the novelty read and taking the lock, bumping its version. Re-read
	// and reapply rather than failing the merge.
	for attempt := 0; attempt < casAttempts; attempt++ {
		merged := &types.MemoryItem{
			ID:             newID(),
			UserID:         userID,
			Tier:           old.Tier,
			Text:           mergedText,
			Embedding:      mergedVec,
			Tags:           mergeTags(old.Tags, cand.Tags),
			ConfidenceBase: maxFloat(old.ConfidenceBase, cand.Confidence),
			Importance:     maxFloat(old.Importance, cand.Importance),
			Source:         types.SourceMerged,
			SeenCount:      old.SeenCount + 1,
			FirstSeen:      old.FirstSeen,
			LastSeen:       observedAt,
			ValidFrom:      now,
			SupersedesID:   old.ID,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err := g.store.CloseItem(ctx, old.ID, now, merged.ID, old.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			refreshed, gerr := g.store.Get(ctx, old.ID)
			if gerr != nil {
				return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: gerr}
			}
			if !refreshed.IsActive() {
				// The item was closed under us; its successor already
				// covers this ground.
				return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectKeptExisting}
			}
			old = refreshed
			continue
		}
		if err != nil {
			return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
		}
		if err := g.store.Insert(ctx, merged); err != nil {
			return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
		}
		g.dropFromIndex(ctx, old)
		g.upsertIndex(ctx, merged)
		return types.WriteResult{
			Outcome:   types.OutcomeMerged,
			ItemID:    merged.ID,
			MergedIDs: []string{old.ID},
		}
	}
	return types.WriteResult{
		Outcome: types.OutcomeRejected,
		Reason:  types.RejectDependencyFailure,
		Err:     fmt.Errorf("merging into %s: version conflicts persisted across %d attempts", old.ID, casAttempts),
	}
}

func (g *WriteGate) commitInsert(ctx context.Context, userID string, cand *types.Candidate, vec []float32, now, observedAt time.Time, supersedesID string) types.WriteResult {
	if limit := g.cfg.TierCaps[cand.Tier]; limit > 0 {
		count, err := g.store.CountActive(ctx, userID, cand.Tier)
		if err != nil {
			return types.WriteResult{Outcome: types.OutcomeRejected, Reason: types.RejectDependencyFailure, Err: err}
		}
		if count >= limit {
			return types.WriteResult{
				Outcome: types.OutcomeRejected,
				Reason:  types.RejectCapacityExceeded,
				Err:     fmt.Errorf("%w: tier %s at %d items", ErrCapacityExceeded, cand.Tier, count),
			}
		}
	}

	item := g.newItem(userID, cand, vec, now, observedAt)
	item.SupersedesID = supersedesID

	if cand.Subject == "" {
		unlock := g.locks.LockKey(userID, lockToken(item))
		defer unlock()
	}
	if err := g.store.Insert(ctx, item); err != nil {
		reason := types.RejectDependencyFailure
		if errors.Is(err, storage.ErrDuplicateActive) {
			reason = types.RejectKeptExisting
		}
		return types.WriteResult{Outcome: types.OutcomeRejected, Reason: reason, Err: err}
	}
	g.upsertIndex(ctx, item)
	return types.WriteResult{Outcome: types.OutcomeInserted, ItemID: item.ID}
}

func (g *WriteGate) newItem(userID string, cand *types.Candidate, vec []float32, now, observedAt time.Time) *types.MemoryItem {
	source := cand.Source
	if source == "" {
		source = types.SourceExtracted
	}
	return &types.MemoryItem{
		ID:             newID(),
		UserID:         userID,
		Tier:           cand.Tier,
		Subject:        cand.Subject,
		Predicate:      cand.Predicate,
		Value:          cand.Value,
		Text:           cand.Text,
		Embedding:      vec,
		Tags:           cand.Tags,
		ConfidenceBase: cand.Confidence,
		Importance:     cand.Importance,
		Source:         source,
		SeenCount:      1,
		FirstSeen:      observedAt,
		LastSeen:       observedAt,
		ValidFrom:      now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (g *WriteGate) refreshIndex(ctx context.Context, id string) {
	item, err := g.store.Get(ctx, id)
	if err != nil {
		log.Printf("engine: index refresh read failed for %s: %v", id, err)
		return
	}
	g.upsertIndex(ctx, item)
}

func (g *WriteGate) upsertIndex(ctx context.Context, item *types.MemoryItem) {
	if err := g.index.Upsert(ctx, item); err != nil {
		log.Printf("engine: index upsert failed for %s: %v", item.ID, err)
	}
}

func (g *WriteGate) dropFromIndex(ctx context.Context, item *types.MemoryItem) {
	if err := g.index.Remove(ctx, item.UserID, item.Tier, item.ID); err != nil {
		log.Printf("engine: index remove failed for %s: %v", item.ID, err)
	}
}

// restatesFact reports whether a near-duplicate candidate repeats the
// stored item's fact. Unkeyed candidates always do; keyed candidates
// only when key and value both match.
func restatesFact(cand *types.Candidate, item *types.MemoryItem) bool {
	if cand.Subject == "" {
		return true
	}
	if !strings.EqualFold(cand.Subject, item.Subject) || !strings.EqualFold(cand.Predicate, item.Predicate) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(cand.Value), strings.TrimSpace(item.Value))
}

// lockToken picks the serialization scope for an item: the structured
// key when it has one, otherwise the item's own identity.
func lockToken(item *types.MemoryItem) string {
	if item.HasKey() {
		return item.Key().String()
	}
	return "item\x1f" + item.ID
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
