package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

const testDim = 64

// unitVec returns a one-hot vector, handy for building pairs with an
// exact cosine similarity.
func unitVec(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

// blendVec returns a unit-length mix of two one-hot axes such that its
// cosine against unitVec(a) is exactly wa.
func blendVec(a, b int, wa float64) []float32 {
	v := make([]float32, testDim)
	v[a%testDim] = float32(wa)
	v[b%testDim] = float32(math.Sqrt(1 - wa*wa))
	return v
}

// fakeEmbedder returns registered vectors for known texts and a
// deterministic hash-derived one-hot vector otherwise.
type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	fail  map[string]bool
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: make(map[string][]float32), fail: make(map[string]bool)}
}

func (f *fakeEmbedder) register(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vecs[text] = vec
}

func (f *fakeEmbedder) failOn(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[text] = true
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[text] {
		return nil, fmt.Errorf("embedder down")
	}
	if vec, ok := f.vecs[text]; ok {
		return vec, nil
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	return unitVec(int(h.Sum32())), nil
}

func (f *fakeEmbedder) Dimension() int { return testDim }
func (f *fakeEmbedder) Model() string  { return "fake" }

// fakeSynth returns a fixed response, or an error when failing is set.
type fakeSynth struct {
	mu       sync.Mutex
	response string
	failing  bool
	calls    int
}

func (f *fakeSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return "", fmt.Errorf("synthesizer down")
	}
	return f.response, nil
}

func (f *fakeSynth) Model() string { return "fake" }

// testEnv bundles a full engine wired over an in-memory store and index.
type testEnv struct {
	engine   *Engine
	store    *sqlite.ItemStore
	index    *index.ChromemIndex
	embedder *fakeEmbedder
	synth    *fakeSynth
	cfg      config.EngineConfig
	weights  *config.WeightsSource
}

func newTestEnv(t *testing.T, mutate func(*config.EngineConfig)) *testEnv {
	t.Helper()

	store, err := sqlite.NewItemStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig().Engine
	if mutate != nil {
		mutate(&cfg)
	}

	idx := index.NewChromemIndex()
	embedder := newFakeEmbedder()
	synth := &fakeSynth{response: "synthesized text"}
	weights := config.NewWeightsSource(config.DefaultWeights())

	eng := New(store, idx, embedder, synth, weights, cfg, config.GatewayConfig{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	return &testEnv{
		engine:   eng,
		store:    store,
		index:    idx,
		embedder: embedder,
		synth:    synth,
		cfg:      cfg,
		weights:  weights,
	}
}

func listAllOpts() storage.ListOptions {
	return storage.ListOptions{Limit: 500}
}

var testItemSeq int

// seedItem inserts an active item into both the store and the index.
func (env *testEnv) seedItem(t *testing.T, item *types.MemoryItem) *types.MemoryItem {
	t.Helper()
	ctx := context.Background()

	testItemSeq++
	if item.ID == "" {
		item.ID = fmt.Sprintf("seed-%04d", testItemSeq)
	}
	now := time.Now()
	if item.FirstSeen.IsZero() {
		if !item.LastSeen.IsZero() {
			item.FirstSeen = item.LastSeen
		} else {
			item.FirstSeen = now
		}
	}
	if item.LastSeen.IsZero() {
		item.LastSeen = item.FirstSeen
	}
	if item.ValidFrom.IsZero() {
		item.ValidFrom = item.FirstSeen
	}
	if item.SeenCount == 0 {
		item.SeenCount = 1
	}
	if item.Source == "" {
		item.Source = types.SourceExtracted
	}
	if item.Text == "" {
		item.Text = "seeded item " + item.ID
	}

	require.NoError(t, env.store.Insert(ctx, item))
	require.NoError(t, env.index.Upsert(ctx, item))
	return item
}
