package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/pkg/types"
)

// candidate pool size per tier; always at least this many neighbors are
// requested so diversity filtering has something to choose from.
const minCandidatesPerTier = 50

// voteThreshold is the cosine at or above which two candidates count as
// near-duplicates for the vote-agreement confidence term.
const voteThreshold = 0.8

// RetrieveRequest describes one read-path call.
type RetrieveRequest struct {
	UserID     string
	Query      string
	ActiveGoal string // optional; empty means no goal term in scoring

	// K caps the number of items selected before budget packing.
	// Zero means the configured default.
	K int

	// Budget overrides the configured token budget when Total is set.
	Budget types.TokenBudget

	// IncludeScores attaches a ScoreTrace per scored candidate.
	IncludeScores bool
}

// Retriever implements the read path: embed, fetch neighbors per tier,
// score, diversity-filter, and pack under the token budget.
type Retriever struct {
	index    index.Index
	embedder gateway.Embedder
	weights  *config.WeightsSource
	cfg      config.EngineConfig
}

// NewRetriever wires a read path over the given index and embedder.
func NewRetriever(idx index.Index, embedder gateway.Embedder, weights *config.WeightsSource, cfg config.EngineConfig) *Retriever {
	return &Retriever{index: idx, embedder: embedder, weights: weights, cfg: cfg}
}

type scoredItem struct {
	item  types.MemoryItem
	trace types.ScoreTrace
}

// Retrieve builds a context bundle for one query. If the embedding
// dependency is entirely unavailable the whole call fails; per-tier
// index failures only degrade the bundle.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) (*types.ContextBundle, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	k := req.K
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	budget := req.Budget
	if budget.Total <= 0 {
		budget = r.cfg.Budget()
	}

	queryVec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w: %v", ErrDependencyUnavailable, err)
	}

	var goalVec []float32
	if req.ActiveGoal != "" {
		goalVec, err = r.embedder.Embed(ctx, req.ActiveGoal)
		if err != nil {
			// A missing goal term skews ranking slightly; it does not
			// justify failing the read.
			log.Printf("engine: goal embedding failed for user %s: %v", req.UserID, err)
			goalVec = nil
		}
	}

	w := r.weights.Current()
	now := time.Now()

	perTier := k
	if perTier < minCandidatesPerTier {
		perTier = minCandidatesPerTier
	}

	var scored []scoredItem
	var traces []types.ScoreTrace
	var degraded []types.Tier

	for _, tier := range types.ValidTiers {
		items, err := r.index.Search(ctx, req.UserID, tier, queryVec, perTier)
		if err != nil {
			log.Printf("engine: search failed for user %s tier %s: %v", req.UserID, tier, err)
			degraded = append(degraded, tier)
			continue
		}

		minConf := w.TierMinConfidence(tier)
		for i := range items {
			item := &items[i]
			sc := ScoreContext{
				QueryEmbedding: queryVec,
				GoalEmbedding:  goalVec,
				VoteAgreement:  voteAgreement(items, i),
			}
			trace := Score(sc, item, now, w)

			switch {
			case !item.IsActive() || item.Archived:
				trace.DropReason = "superseded"
			case trace.Confidence < minConf:
				trace.DropReason = "below_min_confidence"
			default:
				scored = append(scored, scoredItem{item: *item, trace: trace})
			}
			if req.IncludeScores {
				traces = append(traces, trace)
			}
		}
	}

	selected := r.selectDiverse(scored, k)
	bundle := r.pack(req, selected, budget)
	bundle.Degraded = degraded

	if req.IncludeScores {
		// Mark traces for the items that survived selection and packing.
		survived := make(map[string]bool, len(selected))
		for _, s := range selected {
			survived[s.item.ID] = true
		}
		included := make(map[string]bool, len(bundle.Sections))
		for _, sec := range bundle.Sections {
			for _, it := range sec.Items {
				included[it.ItemID] = true
			}
		}
		for i := range traces {
			switch {
			case included[traces[i].ItemID]:
				traces[i].Included = true
				traces[i].DropReason = ""
			case traces[i].DropReason != "":
				// already dropped before selection
			case survived[traces[i].ItemID]:
				traces[i].DropReason = "budget"
			default:
				traces[i].DropReason = "diversity"
			}
		}
		bundle.DebugScores = traces
	}
	return bundle, nil
}

// voteAgreement is the fraction of the tier candidate set lying within
// the near-duplicate threshold of candidate i, capped at 1.
func voteAgreement(items []types.MemoryItem, i int) float64 {
	if len(items) < 2 {
		return 0
	}
	var votes int
	for j := range items {
		if j == i {
			continue
		}
		if Cosine(items[i].Embedding, items[j].Embedding) >= voteThreshold {
			votes++
		}
	}
	return float64(votes) / float64(len(items)-1)
}

// selectDiverse picks up to k items by priority with a maximal-marginal-
// relevance pass: a candidate too similar to anything already selected
// is skipped. Ordering is deterministic; ties break on item ID.
func (r *Retriever) selectDiverse(scored []scoredItem, k int) []scoredItem {
	sort.Slice(scored, func(a, b int) bool {
		if scored[a].trace.Priority != scored[b].trace.Priority {
			return scored[a].trace.Priority > scored[b].trace.Priority
		}
		return scored[a].item.ID < scored[b].item.ID
	})

	selected := make([]scoredItem, 0, k)
	for _, cand := range scored {
		if len(selected) >= k {
			break
		}
		tooSimilar := false
		for _, s := range selected {
			if Cosine(cand.item.Embedding, s.item.Embedding) >= r.cfg.DiversityThreshold {
				tooSimilar = true
				break
			}
		}
		if !tooSimilar {
			selected = append(selected, cand)
		}
	}
	return selected
}

// pack groups selected items into tier sections under the per-tier and
// total token budgets, dropping lowest-priority items first.
func (r *Retriever) pack(req RetrieveRequest, selected []scoredItem, budget types.TokenBudget) *types.ContextBundle {
	byTier := make(map[types.Tier][]scoredItem)
	for _, s := range selected {
		byTier[s.item.Tier] = append(byTier[s.item.Tier], s)
	}

	bundle := &types.ContextBundle{UserID: req.UserID, Query: req.Query}
	total := 0

	for _, tier := range []types.Tier{types.TierProfile, types.TierTask, types.TierReflective, types.TierEpisodic} {
		items := byTier[tier]
		if len(items) == 0 {
			continue
		}
		// Highest priority first so budget cuts drop the tail.
		sort.Slice(items, func(a, b int) bool {
			if items[a].trace.Priority != items[b].trace.Priority {
				return items[a].trace.Priority > items[b].trace.Priority
			}
			return items[a].item.ID < items[b].item.ID
		})

		tierBudget := budget.TierBudget(tier)
		sec := types.Section{Tier: tier}
		for _, s := range items {
			cost := EstimateTokens(s.item.Text)
			if sec.Tokens+cost > tierBudget || total+cost > budget.Total {
				continue
			}
			sec.Items = append(sec.Items, types.BundleItem{
				ItemID:   s.item.ID,
				Text:     s.item.Text,
				Priority: s.trace.Priority,
				Tokens:   cost,
			})
			sec.Tokens += cost
			total += cost
		}
		if len(sec.Items) > 0 {
			bundle.Sections = append(bundle.Sections, sec)
		}
	}
	bundle.TotalTokens = total
	return bundle
}
