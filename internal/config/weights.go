package config

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// Weights is the versioned scoring configuration. Scorer calls receive a
// Weights value, never read a global, so every score in one retrieval is
// produced by the same version even while a reload is in flight.
type Weights struct {
	Version int `yaml:"version"`

	Relevance  RelevanceWeights  `yaml:"relevance"`
	Confidence ConfidenceWeights `yaml:"confidence"`

	// SourceReliability maps source types to reliability in [0,1].
	// Unknown sources fall back to DefaultReliability.
	SourceReliability  map[string]float64 `yaml:"source_reliability"`
	DefaultReliability float64            `yaml:"default_reliability"`

	// HalfLife drives the recency term per tier. Zero disables decay for
	// the tier (recency contribution is always 1).
	HalfLife map[types.Tier]time.Duration `yaml:"half_life"`

	// MinConfidence filters low-trust items out of retrieval per tier.
	MinConfidence map[types.Tier]float64 `yaml:"min_confidence"`
}

// RelevanceWeights are the relevance mixture weights. They should sum to
// roughly 1.0; Validate enforces a tolerance.
type RelevanceWeights struct {
	Query      float64 `yaml:"query"`
	Goal       float64 `yaml:"goal"`
	Recency    float64 `yaml:"recency"`
	Frequency  float64 `yaml:"frequency"`
	Importance float64 `yaml:"importance"`
}

// ConfidenceWeights are the confidence mixture weights.
type ConfidenceWeights struct {
	Base       float64 `yaml:"base"`
	Similarity float64 `yaml:"similarity"`
	Votes      float64 `yaml:"votes"`
	Source     float64 `yaml:"source"`
}

// DefaultWeights returns the stock scoring configuration.
func DefaultWeights() Weights {
	return Weights{
		Version: 1,
		Relevance: RelevanceWeights{
			Query:      0.45,
			Goal:       0.15,
			Recency:    0.20,
			Frequency:  0.10,
			Importance: 0.10,
		},
		Confidence: ConfidenceWeights{
			Base:       0.50,
			Similarity: 0.20,
			Votes:      0.15,
			Source:     0.15,
		},
		SourceReliability: map[string]float64{
			types.SourceUserStated: 1.0,
			types.SourceExtracted:  0.8,
			types.SourceSummarized: 0.7,
			types.SourceMerged:     0.7,
			types.SourceInferred:   0.6,
		},
		DefaultReliability: 0.5,
		HalfLife: map[types.Tier]time.Duration{
			types.TierProfile:    0, // durable facts do not decay
			types.TierEpisodic:   72 * time.Hour,
			types.TierReflective: 14 * 24 * time.Hour,
			types.TierTask:       7 * 24 * time.Hour,
		},
		MinConfidence: map[types.Tier]float64{
			types.TierProfile:    0.40,
			types.TierEpisodic:   0.25,
			types.TierReflective: 0.30,
			types.TierTask:       0.30,
		},
	}
}

// Reliability returns the reliability weight for a source type.
func (w *Weights) Reliability(source string) float64 {
	if v, ok := w.SourceReliability[source]; ok {
		return v
	}
	return w.DefaultReliability
}

// TierHalfLife returns the recency half-life for a tier; zero means no decay.
func (w *Weights) TierHalfLife(t types.Tier) time.Duration {
	return w.HalfLife[t]
}

// TierMinConfidence returns the retrieval confidence floor for a tier.
func (w *Weights) TierMinConfidence(t types.Tier) float64 {
	return w.MinConfidence[t]
}

const weightSumTolerance = 0.01

// Validate rejects weight sets that would distort priority comparisons.
func (w *Weights) Validate() error {
	r := w.Relevance
	rSum := r.Query + r.Goal + r.Recency + r.Frequency + r.Importance
	if math.Abs(rSum-1.0) > weightSumTolerance {
		return fmt.Errorf("relevance weights sum to %.3f, want 1.0", rSum)
	}
	c := w.Confidence
	cSum := c.Base + c.Similarity + c.Votes + c.Source
	if math.Abs(cSum-1.0) > weightSumTolerance {
		return fmt.Errorf("confidence weights sum to %.3f, want 1.0", cSum)
	}
	for src, v := range w.SourceReliability {
		if v < 0 || v > 1 {
			return fmt.Errorf("source reliability for %q out of range: %.3f", src, v)
		}
	}
	for tier, hl := range w.HalfLife {
		if hl < 0 {
			return fmt.Errorf("half-life for tier %q is negative", tier)
		}
	}
	return nil
}

// WeightsSource publishes the current Weights value. Readers get a
// consistent snapshot; Swap replaces it atomically and bumps the version.
type WeightsSource struct {
	cur atomic.Pointer[Weights]
}

// NewWeightsSource creates a source seeded with the given weights.
func NewWeightsSource(w Weights) *WeightsSource {
	s := &WeightsSource{}
	s.cur.Store(&w)
	return s
}

// Current returns the active weights snapshot.
func (s *WeightsSource) Current() Weights {
	return *s.cur.Load()
}

// Swap installs new weights. If the incoming version is not greater than
// the current one it is bumped past it, so every swap is observable.
func (s *WeightsSource) Swap(w Weights) Weights {
	prev := s.cur.Load()
	if w.Version <= prev.Version {
		w.Version = prev.Version + 1
	}
	s.cur.Store(&w)
	return w
}
