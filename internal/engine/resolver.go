package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/pkg/types"
)

// Action is the resolver's verdict on a conflicting pair.
type Action int

const (
	// KeepOld discards the candidate and keeps the stored item.
	KeepOld Action = iota
	// Supersede closes the stored item and installs the candidate.
	Supersede
	// Merge synthesizes one item from both and closes the parents.
	Merge
	// AskUser defers the decision to the user; nothing is committed.
	AskUser
)

func (a Action) String() string {
	switch a {
	case KeepOld:
		return "keep_old"
	case Supersede:
		return "supersede"
	case Merge:
		return "merge"
	case AskUser:
		return "ask_user"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// TagHighStakes marks keys whose value changes should not be committed
// silently when the evidence is balanced.
const TagHighStakes = "high-stakes"

// confidence gap under which two conflicting assertions are considered
// equally credible
const similarConfidenceBand = 0.1

// Resolver decides what happens when a candidate contradicts or overlaps
// a stored item. Every path is deterministic except merge synthesis,
// which calls the external model.
type Resolver struct {
	synth      gateway.Synthesizer
	weights    *config.WeightsSource
	maxRetries int
	baseDelay  time.Duration
}

// NewResolver builds a resolver. The retry settings bound the merge
// synthesis call only.
func NewResolver(synth gateway.Synthesizer, weights *config.WeightsSource, maxRetries int, baseDelay time.Duration) *Resolver {
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return &Resolver{synth: synth, weights: weights, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Decide applies the conflict policy to a keyed value conflict:
//
//  1. A high-stakes key with near-equal confidence on both sides is
//     never resolved silently: AskUser.
//  2. A more recent observation from a source at least as reliable as
//     the stored one wins: Supersede.
//  3. Otherwise the stored item stands: KeepOld.
//
// Unkeyed ambiguous-similarity overlaps never reach Decide; the write
// gate routes those straight to the merge path.
func (r *Resolver) Decide(old *types.MemoryItem, cand *types.Candidate, observedAt time.Time) Action {
	w := r.weights.Current()
	oldRel := w.Reliability(old.Source)
	candSource := cand.Source
	if candSource == "" {
		candSource = types.SourceExtracted
	}
	candRel := w.Reliability(candSource)

	if old.HasTag(TagHighStakes) {
		oldConf := old.ConfidenceBase
		if diff := oldConf - cand.Confidence; diff < similarConfidenceBand && diff > -similarConfidenceBand {
			return AskUser
		}
	}

	if observedAt.After(old.LastSeen) && candRel >= oldRel {
		return Supersede
	}
	return KeepOld
}

// Question phrases the clarification request for an AskUser verdict.
// The caller owns actually asking; this is just the text.
func (r *Resolver) Question(old *types.MemoryItem, cand *types.Candidate) string {
	return fmt.Sprintf("I have %q as %s %s, but it now sounds like %s. Which is right?",
		old.Value, old.Subject, old.Predicate, cand.Value)
}

// MergeTexts synthesizes one statement covering both inputs. Transient
// failures are retried with exponential backoff; on exhaustion an error
// is returned and the caller falls back to keeping the old item.
func (r *Resolver) MergeTexts(ctx context.Context, oldText, newText string) (string, error) {
	prompt := fmt.Sprintf(
		"Combine these two observations about the same person into one concise factual sentence. "+
			"Keep every distinct detail, drop repetition, and do not invent anything.\n\n"+
			"Observation 1: %s\nObservation 2: %s\n\nCombined:", oldText, newText)

	var merged string
	attempts := r.maxRetries
	if attempts < 0 {
		attempts = 0
	}
	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		merged, err = r.synth.Synthesize(ctx, prompt)
		if err == nil {
			merged = strings.TrimSpace(merged)
			if merged == "" {
				err = fmt.Errorf("synthesizer returned empty merge")
				continue
			}
			return merged, nil
		}
		log.Printf("engine: merge synthesis attempt %d failed: %v", attempt+1, err)
	}
	return "", fmt.Errorf("merge synthesis: %w: %v", ErrDependencyUnavailable, err)
}
