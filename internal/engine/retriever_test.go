package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/pkg/types"
)

const retrUser = "user-retrieve"

func TestRetrieveEmptyStore(t *testing.T) {
	env := newTestEnv(t, nil)

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser,
		Query:  "anything at all",
	})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections)
	assert.Equal(t, 0, bundle.TotalTokens)
}

func TestRetrieveRequiresUser(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Retrieve(context.Background(), RetrieveRequest{Query: "q"})
	assert.Error(t, err)
}

func TestRetrieveFailsWithoutEmbedder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.failOn("the query")

	_, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser,
		Query:  "the query",
	})
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("coffee", unitVec(0))

	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "talked about espresso brewing", Embedding: blendVec(0, 1, 0.95),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "mentioned the weather", Embedding: unitVec(5),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "coffee", K: 2,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 1)
	items := bundle.Sections[0].Items
	require.NotEmpty(t, items)
	assert.Equal(t, "talked about espresso brewing", items[0].Text)
}

func TestRetrieveDropsLowConfidence(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	// Orthogonal to the query with no base confidence: lands below the
	// episodic confidence floor.
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "dubious rumor", Embedding: unitVec(9),
		ConfidenceBase: 0, Source: types.SourceExtracted,
	})

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query", IncludeScores: true,
	})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections)

	require.Len(t, bundle.DebugScores, 1)
	assert.Equal(t, "below_min_confidence", bundle.DebugScores[0].DropReason)
	assert.False(t, bundle.DebugScores[0].Included)
}

func TestRetrieveDropsSupersededIndexLeftovers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	closed := time.Now().Add(-time.Hour)
	stale := &types.MemoryItem{
		ID: "stale-1", UserID: retrUser, Tier: types.TierEpisodic,
		Text: "old version", Embedding: unitVec(0),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
		SeenCount: 1, FirstSeen: closed, LastSeen: closed,
		ValidFrom: closed.Add(-time.Hour), ValidTo: &closed,
		Version: 2, CreatedAt: closed, UpdatedAt: closed,
	}
	// Planted directly in the index, as if a remove was missed.
	require.NoError(t, env.index.Upsert(context.Background(), stale))

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query", IncludeScores: true,
	})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections)
	require.Len(t, bundle.DebugScores, 1)
	assert.Equal(t, "superseded", bundle.DebugScores[0].DropReason)
}

func TestRetrieveDiversityFiltersNearDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	// Two nearly identical items and one distinct one.
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "loves hiking in the mountains", Embedding: blendVec(0, 1, 0.95),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "really enjoys mountain hikes", Embedding: blendVec(0, 1, 0.94),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "works as a nurse", Embedding: blendVec(0, 2, 0.6),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query", K: 3,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 1)

	texts := make([]string, 0, 3)
	for _, it := range bundle.Sections[0].Items {
		texts = append(texts, it.Text)
	}
	require.Len(t, texts, 2, "one of the two near-duplicates must be filtered")
	assert.Contains(t, texts, "works as a nurse")
}

func TestRetrieveHonorsTokenBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	// Ten equally relevant, mutually diverse episodic items.
	for i := 0; i < 10; i++ {
		env.seedItem(t, &types.MemoryItem{
			UserID: retrUser, Tier: types.TierEpisodic,
			Text:           fmt.Sprintf("episodic note %02d xx", i), // 20 chars, 5 tokens
			Embedding:      blendVec(0, i+1, 0.9),
			ConfidenceBase: 0.9, Source: types.SourceUserStated,
		})
	}

	budget := types.TokenBudget{
		Total:   1000,
		PerTier: map[types.Tier]int{types.TierEpisodic: 15},
	}
	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query", K: 16, Budget: budget,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 1)

	sec := bundle.Sections[0]
	assert.Len(t, sec.Items, 3, "budget fits exactly three five-token items")
	assert.LessOrEqual(t, sec.Tokens, 15)
	assert.Equal(t, sec.Tokens, bundle.TotalTokens)
}

func TestRetrieveSectionsFollowTierOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierEpisodic,
		Text: "mentioned a deadline", Embedding: blendVec(0, 1, 0.9),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})
	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierProfile,
		Text: "is a software engineer", Embedding: blendVec(0, 2, 0.9),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})

	bundle, err := env.engine.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query", K: 4,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 2)
	assert.Equal(t, types.TierProfile, bundle.Sections[0].Tier)
	assert.Equal(t, types.TierEpisodic, bundle.Sections[1].Tier)
}

// failingTierIndex wraps an index and fails searches on one tier.
type failingTierIndex struct {
	index.Index
	tier types.Tier
}

func (f *failingTierIndex) Search(ctx context.Context, userID string, tier types.Tier, query []float32, limit int) ([]types.MemoryItem, error) {
	if tier == f.tier {
		return nil, fmt.Errorf("index partition offline")
	}
	return f.Index.Search(ctx, userID, tier, query, limit)
}

func TestRetrieveDegradesOnTierFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.register("query", unitVec(0))

	env.seedItem(t, &types.MemoryItem{
		UserID: retrUser, Tier: types.TierProfile,
		Text: "is a software engineer", Embedding: blendVec(0, 2, 0.9),
		ConfidenceBase: 0.9, Source: types.SourceUserStated,
	})

	broken := &failingTierIndex{Index: env.index, tier: types.TierEpisodic}
	retr := NewRetriever(broken, env.embedder, env.weights, env.cfg)

	bundle, err := retr.Retrieve(context.Background(), RetrieveRequest{
		UserID: retrUser, Query: "query",
	})
	require.NoError(t, err, "a single unavailable tier must not fail the read")
	assert.Equal(t, []types.Tier{types.TierEpisodic}, bundle.Degraded)
	require.Len(t, bundle.Sections, 1)
	assert.Equal(t, types.TierProfile, bundle.Sections[0].Tier)
}
