package types

import "strings"

// TokenBudget caps how much of the prompt the memory context may occupy.
type TokenBudget struct {
	Total   int          `json:"total"`              // Overall cap across all sections
	PerTier map[Tier]int `json:"per_tier,omitempty"` // Optional per-tier caps
}

// TierBudget returns the effective cap for a tier: the per-tier value if
// set, otherwise the total.
func (b TokenBudget) TierBudget(t Tier) int {
	if b.PerTier != nil {
		if v, ok := b.PerTier[t]; ok {
			return v
		}
	}
	return b.Total
}

// BundleItem is one selected memory inside a context section.
type BundleItem struct {
	ItemID   string  `json:"item_id"`
	Text     string  `json:"text"`
	Priority float64 `json:"priority"`
	Tokens   int     `json:"tokens"` // Estimated token cost of Text
}

// Section groups the selected items of one tier.
type Section struct {
	Tier   Tier         `json:"tier"`
	Items  []BundleItem `json:"items"`
	Tokens int          `json:"tokens"` // Sum of item token estimates
}

// ScoreTrace records how one retrieval candidate was scored and why it was
// or was not included. Traces exist for caller-side debugging only and are
// never persisted.
type ScoreTrace struct {
	ItemID     string  `json:"item_id"`
	Tier       Tier    `json:"tier"`
	Relevance  float64 `json:"relevance"`
	Confidence float64 `json:"confidence"`
	Priority   float64 `json:"priority"`

	// Relevance components
	QuerySim   float64 `json:"query_sim"`
	GoalSim    float64 `json:"goal_sim"`
	Recency    float64 `json:"recency"`
	Frequency  float64 `json:"frequency"`
	Importance float64 `json:"importance"`

	Included   bool   `json:"included"`
	DropReason string `json:"drop_reason,omitempty"` // e.g. "below_min_confidence", "diversity", "budget"
}

// ContextBundle is the read-path output: tier-labeled sections of selected
// memories packed under the token budget, ready to render into a prompt.
type ContextBundle struct {
	UserID      string       `json:"user_id"`
	Query       string       `json:"query"`
	Sections    []Section    `json:"sections"`
	TotalTokens int          `json:"total_tokens"`
	Degraded    []Tier       `json:"degraded,omitempty"` // Tiers omitted due to index failure
	DebugScores []ScoreTrace `json:"debug_scores,omitempty"`
}

// Section headers used when rendering a bundle into prompt text.
var sectionHeaders = map[Tier]string{
	TierProfile:    "What I know about you:",
	TierTask:       "Your current goals:",
	TierReflective: "Patterns I've noticed:",
	TierEpisodic:   "Recently:",
}

// renderOrder fixes the section order in prompt output, most durable first.
var renderOrder = []Tier{TierProfile, TierTask, TierReflective, TierEpisodic}

// Render formats the bundle as a prompt-ready text block. Empty sections
// are omitted; an entirely empty bundle renders to "".
func (b *ContextBundle) Render() string {
	byTier := make(map[Tier]*Section, len(b.Sections))
	for i := range b.Sections {
		byTier[b.Sections[i].Tier] = &b.Sections[i]
	}

	var sb strings.Builder
	for _, tier := range renderOrder {
		sec, ok := byTier[tier]
		if !ok || len(sec.Items) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(sectionHeaders[tier])
		sb.WriteString("\n")
		for _, item := range sec.Items {
			sb.WriteString("- ")
			sb.WriteString(item.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
