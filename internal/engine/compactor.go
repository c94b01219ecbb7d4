package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Tags the compactor stamps onto items it creates or copies.
const (
	TagSummary  = "summary"
	TagPromoted = "promoted"
)

const compactionPageSize = 200

// Compactor is the background maintenance pass: it demotes cold episodic
// items into cluster summaries, promotes repeatedly reinforced facts to
// the profile tier, and archives overflow beyond tier caps. It never runs
// inside a read or write call.
type Compactor struct {
	store    storage.ItemStore
	index    index.Index
	embedder gateway.Embedder
	synth    gateway.Synthesizer
	weights  *config.WeightsSource
	locks    *userLocks
	cfg      config.EngineConfig
}

// NewCompactor wires a compaction pass over the given store and index.
func NewCompactor(store storage.ItemStore, idx index.Index, embedder gateway.Embedder, synth gateway.Synthesizer, weights *config.WeightsSource, locks *userLocks, cfg config.EngineConfig) *Compactor {
	return &Compactor{
		store:    store,
		index:    idx,
		embedder: embedder,
		synth:    synth,
		weights:  weights,
		locks:    locks,
		cfg:      cfg,
	}
}

// Run sweeps every user in the store. A failure on one user is logged
// and the sweep continues; partial progress is fine because each step
// is idempotent.
func (c *Compactor) Run(ctx context.Context) error {
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("compaction: listing users: %w", err)
	}
	sweep := uuid.NewString()[:8]
	log.Printf("compactor: sweep %s starting for %d users", sweep, len(users))
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.CompactUser(ctx, userID); err != nil {
			log.Printf("compactor: sweep %s user %s: %v", sweep, userID, err)
		}
	}
	log.Printf("compactor: sweep %s done", sweep)
	return nil
}

// CompactUser runs demotion, promotion, and capacity enforcement for one
// user under the exclusive user lock, so no write-gate commit for that
// user is in flight while chains are being rewritten.
func (c *Compactor) CompactUser(ctx context.Context, userID string) error {
	unlock := c.locks.LockUser(userID)
	defer unlock()

	now := time.Now()
	var errs []error
	if err := c.demote(ctx, userID, now); err != nil {
		errs = append(errs, fmt.Errorf("demotion: %w", err))
	}
	if err := c.promote(ctx, userID, now); err != nil {
		errs = append(errs, fmt.Errorf("promotion: %w", err))
	}
	for _, tier := range types.ValidTiers {
		if err := c.enforceCap(ctx, userID, tier, now); err != nil {
			errs = append(errs, fmt.Errorf("capacity %s: %w", tier, err))
		}
	}
	return errors.Join(errs...)
}

// demote summarizes cold episodic items in time-ordered similarity
// clusters. Each cluster collapses into one summary item; the originals
// are closed and chained to it.
func (c *Compactor) demote(ctx context.Context, userID string, now time.Time) error {
	cutoff := now.Add(-c.cfg.HotWindow)
	cold, err := c.listAll(ctx, userID, types.TierEpisodic, storage.ListOptions{
		LastSeenBefore: cutoff,
		SortBy:         "valid_from",
		SortOrder:      "asc",
	})
	if err != nil {
		return err
	}

	// Only fresh cold observations are eligible. Prior-run summaries
	// never re-enter clustering, otherwise a summary similar enough to a
	// later cold item would be re-summarized on every sweep.
	var eligible []types.MemoryItem
	for _, item := range cold {
		if item.HasKey() {
			continue // keyed facts are superseded, not summarized away
		}
		if item.HasTag(TagSummary) || item.Source == types.SourceSummarized {
			continue
		}
		eligible = append(eligible, item)
	}

	for _, cluster := range clusterByTime(eligible, c.cfg.ClusterThreshold) {
		if len(cluster) < 2 {
			continue
		}
		if err := c.summarizeCluster(ctx, userID, cluster, now); err != nil {
			log.Printf("compactor: cluster summary for user %s skipped: %v", userID, err)
		}
	}
	return nil
}

// clusterByTime walks items in time order, starting a new cluster when
// the next item is not similar enough to the current cluster's seed.
func clusterByTime(items []types.MemoryItem, threshold float64) [][]types.MemoryItem {
	var clusters [][]types.MemoryItem
	var current []types.MemoryItem

	for i := range items {
		if len(current) == 0 {
			current = []types.MemoryItem{items[i]}
			continue
		}
		seed := current[0]
		if Cosine(seed.Embedding, items[i].Embedding) >= threshold {
			current = append(current, items[i])
		} else {
			clusters = append(clusters, current)
			current = []types.MemoryItem{items[i]}
		}
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

func (c *Compactor) summarizeCluster(ctx context.Context, userID string, cluster []types.MemoryItem, now time.Time) error {
	text := c.clusterSummaryText(ctx, cluster)

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding summary: %w: %v", ErrDependencyUnavailable, err)
	}

	// Clusters are ordered by valid_from, which backdated observations
	// can decouple from the seen window; take the window bounds across
	// the whole cluster.
	last := cluster[len(cluster)-1]
	firstSeen, lastSeen := cluster[0].FirstSeen, cluster[0].LastSeen
	seen := 0
	confidence := 0.0
	maxImportance := 0.0
	for _, item := range cluster {
		seen += item.SeenCount
		if item.ConfidenceBase > confidence {
			confidence = item.ConfidenceBase
		}
		if item.Importance > maxImportance {
			maxImportance = item.Importance
		}
		if item.FirstSeen.Before(firstSeen) {
			firstSeen = item.FirstSeen
		}
		if item.LastSeen.After(lastSeen) {
			lastSeen = item.LastSeen
		}
	}

	summary := &types.MemoryItem{
		ID:             newID(),
		UserID:         userID,
		Tier:           types.TierEpisodic,
		Text:           text,
		Embedding:      vec,
		Tags:           []string{TagSummary, rangeTag(firstSeen, lastSeen)},
		ConfidenceBase: confidence,
		Importance:     maxImportance,
		Source:         types.SourceSummarized,
		SeenCount:      seen,
		FirstSeen:      firstSeen,
		LastSeen:       lastSeen,
		ValidFrom:      now,
		SupersedesID:   last.ID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.store.Insert(ctx, summary); err != nil {
		return fmt.Errorf("inserting summary: %w", err)
	}
	if err := c.index.Upsert(ctx, summary); err != nil {
		log.Printf("compactor: index upsert failed for summary %s: %v", summary.ID, err)
	}

	for i := range cluster {
		item := &cluster[i]
		if err := c.store.CloseItem(ctx, item.ID, now, summary.ID, item.Version); err != nil {
			// A conflict here means a corroboration landed since our
			// listing; leave the item for the next sweep.
			log.Printf("compactor: could not close %s under summary %s: %v", item.ID, summary.ID, err)
			continue
		}
		if err := c.index.Remove(ctx, userID, item.Tier, item.ID); err != nil {
			log.Printf("compactor: index remove failed for %s: %v", item.ID, err)
		}
	}
	return nil
}

// clusterSummaryText asks the synthesizer to condense a cluster. When
// synthesis is unavailable a deterministic digest keeps compaction
// moving; the digest is honest, just less fluent.
func (c *Compactor) clusterSummaryText(ctx context.Context, cluster []types.MemoryItem) string {
	var sb strings.Builder
	sb.WriteString("Condense these related notes about one person into a single short summary sentence. Keep concrete details.\n\n")
	for _, item := range cluster {
		sb.WriteString("- ")
		sb.WriteString(item.Text)
		sb.WriteString("\n")
	}

	text, err := c.synth.Synthesize(ctx, sb.String())
	if err == nil {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	} else {
		log.Printf("compactor: summary synthesis failed, using digest: %v", err)
	}
	return fallbackDigest(cluster)
}

func fallbackDigest(cluster []types.MemoryItem) string {
	parts := make([]string, 0, len(cluster))
	for _, item := range cluster {
		parts = append(parts, strings.TrimRight(strings.TrimSpace(item.Text), "."))
	}
	return strings.Join(parts, "; ") + "."
}

func rangeTag(from, to time.Time) string {
	return fmt.Sprintf("range:%s/%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
}

// promote copies repeatedly reinforced episodic observations into the
// profile tier. The copy is additive; the episodic original stays open.
// Keyed facts are excluded because their key already has exactly one
// active version, which a profile copy would duplicate.
func (c *Compactor) promote(ctx context.Context, userID string, now time.Time) error {
	candidates, err := c.listAll(ctx, userID, types.TierEpisodic, storage.ListOptions{
		MinSeenCount: c.cfg.PromotionSeenCount,
		SortBy:       "seen_count",
		SortOrder:    "desc",
	})
	if err != nil {
		return err
	}

	w := c.weights.Current()
	for i := range candidates {
		item := &candidates[i]
		if item.HasKey() || item.HasTag(TagSummary) || item.HasTag(TagPromoted) {
			continue
		}
		if distinctDays(item.FirstSeen, item.LastSeen) < c.cfg.PromotionDistinctDays {
			continue
		}
		if StandingPriority(item, now, w) < c.cfg.PromotionMinPriority {
			continue
		}
		if c.alreadyInProfile(ctx, userID, item) {
			continue
		}

		promoted := &types.MemoryItem{
			ID:             newID(),
			UserID:         userID,
			Tier:           types.TierProfile,
			Text:           item.Text,
			Embedding:      item.Embedding,
			Tags:           append(append([]string{}, item.Tags...), TagPromoted),
			ConfidenceBase: item.ConfidenceBase,
			Importance:     item.Importance,
			Source:         item.Source,
			SeenCount:      item.SeenCount,
			FirstSeen:      item.FirstSeen,
			LastSeen:       item.LastSeen,
			ValidFrom:      now,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.store.Insert(ctx, promoted); err != nil {
			log.Printf("compactor: promotion insert failed for %s: %v", item.ID, err)
			continue
		}
		if err := c.index.Upsert(ctx, promoted); err != nil {
			log.Printf("compactor: index upsert failed for %s: %v", promoted.ID, err)
		}
		log.Printf("compactor: promoted %s to profile as %s for user %s", item.ID, promoted.ID, userID)
	}
	return nil
}

// alreadyInProfile checks whether the profile tier already holds a near
// duplicate of the item, which makes promotion a no-op on re-runs.
func (c *Compactor) alreadyInProfile(ctx context.Context, userID string, item *types.MemoryItem) bool {
	matches, err := c.index.Search(ctx, userID, types.TierProfile, item.Embedding, 3)
	if err != nil {
		log.Printf("compactor: profile duplicate check failed for %s: %v", item.ID, err)
		return false
	}
	for i := range matches {
		if !matches[i].IsActive() || matches[i].Archived {
			continue
		}
		if Cosine(item.Embedding, matches[i].Embedding) >= c.cfg.DuplicateThreshold {
			return true
		}
	}
	return false
}

// enforceCap closes and archives the lowest-priority active items of a
// tier once the active count exceeds the configured cap. Closing frees
// a keyed item's slot under the unique index; archiving keeps the row
// out of hot capacity.
func (c *Compactor) enforceCap(ctx context.Context, userID string, tier types.Tier, now time.Time) error {
	limit := c.cfg.TierCaps[tier]
	if limit <= 0 {
		return nil
	}
	count, err := c.store.CountActive(ctx, userID, tier)
	if err != nil {
		return err
	}
	if count <= limit {
		return nil
	}

	items, err := c.listAll(ctx, userID, tier, storage.ListOptions{})
	if err != nil {
		return err
	}

	w := c.weights.Current()
	type ranked struct {
		item     *types.MemoryItem
		priority float64
	}
	rankedItems := make([]ranked, 0, len(items))
	for i := range items {
		rankedItems = append(rankedItems, ranked{
			item:     &items[i],
			priority: StandingPriority(&items[i], now, w),
		})
	}
	sort.Slice(rankedItems, func(a, b int) bool {
		if rankedItems[a].priority != rankedItems[b].priority {
			return rankedItems[a].priority < rankedItems[b].priority
		}
		return rankedItems[a].item.ID < rankedItems[b].item.ID
	})

	excess := count - limit
	for i := 0; i < excess && i < len(rankedItems); i++ {
		item := rankedItems[i].item
		if err := c.store.CloseItem(ctx, item.ID, now, "", item.Version); err != nil {
			// A conflict means a write touched the item since our listing;
			// it earned its spot for now.
			log.Printf("compactor: could not close overflow %s: %v", item.ID, err)
			continue
		}
		if err := c.store.Archive(ctx, item.ID); err != nil {
			log.Printf("compactor: archive failed for %s: %v", item.ID, err)
			continue
		}
		if err := c.index.Remove(ctx, userID, tier, item.ID); err != nil {
			log.Printf("compactor: index remove failed for %s: %v", item.ID, err)
		}
	}
	log.Printf("compactor: archived %d overflow items in %s for user %s", excess, tier, userID)
	return nil
}

// listAll pages through every active item of a tier.
func (c *Compactor) listAll(ctx context.Context, userID string, tier types.Tier, opts storage.ListOptions) ([]types.MemoryItem, error) {
	var all []types.MemoryItem
	opts.Limit = compactionPageSize
	for page := 1; ; page++ {
		opts.Page = page
		res, err := c.store.ListActive(ctx, userID, tier, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Items...)
		if !res.HasMore {
			break
		}
	}
	return all, nil
}

// distinctDays counts the calendar days touched by an observation window.
func distinctDays(first, last time.Time) int {
	if last.Before(first) {
		return 1
	}
	f := first.UTC().Truncate(24 * time.Hour)
	l := last.UTC().Truncate(24 * time.Hour)
	return int(l.Sub(f).Hours()/24) + 1
}
