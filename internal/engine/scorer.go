package engine

import (
	"math"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/pkg/types"
)

// ScoreContext carries the per-query inputs to scoring. A nil goal
// embedding contributes zero goal similarity.
type ScoreContext struct {
	QueryEmbedding []float32
	GoalEmbedding  []float32

	// VoteAgreement is the fraction of the candidate set that is a near
	// duplicate of the item being scored, capped at 1. Computed by the
	// retriever over each tier's candidate set.
	VoteAgreement float64
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// is empty or their dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// recencyFactor decays with the item's age. A zero half-life disables
// decay entirely, which is how durable profile facts stay warm.
func recencyFactor(lastSeen, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(lastSeen)
	if age <= 0 {
		return 1
	}
	return math.Exp(-age.Hours() / halfLife.Hours())
}

// frequencyFactor saturates as corroborations accumulate; the third
// observation already carries most of the weight.
func frequencyFactor(seenCount int) float64 {
	if seenCount <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(seenCount)/3.0)
}

// Score computes the relevance, confidence, and priority of one item for
// one query. It is a pure function of its arguments: the same inputs and
// weights always produce the same trace.
func Score(sc ScoreContext, item *types.MemoryItem, now time.Time, w Weights) types.ScoreTrace {
	querySim := Cosine(sc.QueryEmbedding, item.Embedding)
	goalSim := Cosine(sc.GoalEmbedding, item.Embedding)
	recency := recencyFactor(item.LastSeen, now, w.TierHalfLife(item.Tier))
	frequency := frequencyFactor(item.SeenCount)

	r := w.Relevance
	relevance := r.Query*querySim +
		r.Goal*goalSim +
		r.Recency*recency +
		r.Frequency*frequency +
		r.Importance*item.Importance

	c := w.Confidence
	confidence := c.Base*item.ConfidenceBase +
		c.Similarity*math.Max(0, querySim) +
		c.Votes*math.Min(1, sc.VoteAgreement) +
		c.Source*w.Reliability(item.Source)
	confidence = clamp01(confidence)

	return types.ScoreTrace{
		ItemID:     item.ID,
		Tier:       item.Tier,
		Relevance:  relevance,
		Confidence: confidence,
		Priority:   relevance * confidence,
		QuerySim:   querySim,
		GoalSim:    goalSim,
		Recency:    recency,
		Frequency:  frequency,
		Importance: item.Importance,
	}
}

// StandingPriority scores an item with no query in play, used by
// compaction for promotion and eviction ordering. The query and goal
// terms are excluded and the remaining relevance weights renormalized,
// so a frequently corroborated, recently seen, important item can still
// reach full priority.
func StandingPriority(item *types.MemoryItem, now time.Time, w Weights) float64 {
	r := w.Relevance
	sum := r.Recency + r.Frequency + r.Importance
	if sum <= 0 {
		return 0
	}
	relevance := (r.Recency*recencyFactor(item.LastSeen, now, w.TierHalfLife(item.Tier)) +
		r.Frequency*frequencyFactor(item.SeenCount) +
		r.Importance*item.Importance) / sum

	c := w.Confidence
	denom := c.Base + c.Source
	if denom <= 0 {
		return relevance
	}
	confidence := (c.Base*item.ConfidenceBase + c.Source*w.Reliability(item.Source)) / denom
	return relevance * clamp01(confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Weights is the scoring configuration snapshot consumed per call.
type Weights = config.Weights
