package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/pkg/types"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 0.92, cfg.Engine.DuplicateThreshold)
	assert.Equal(t, 0.70, cfg.Engine.MinWriteConfidence)
	assert.Equal(t, 8, cfg.Engine.DefaultK)
	assert.Equal(t, 1, cfg.Weights.Version)
	assert.NoError(t, cfg.Weights.Validate())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	body := `
storage:
  engine: postgres
  postgres_dsn: postgres://localhost/recall
engine:
  default_k: 16
  duplicate_threshold: 0.95
weights:
  version: 4
  relevance:
    query: 0.5
    goal: 0.1
    recency: 0.2
    frequency: 0.1
    importance: 0.1
  confidence:
    base: 0.5
    similarity: 0.2
    votes: 0.15
    source: 0.15
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, 16, cfg.Engine.DefaultK)
	assert.Equal(t, 0.95, cfg.Engine.DuplicateThreshold)
	assert.Equal(t, 4, cfg.Weights.Version)
	assert.Equal(t, 0.5, cfg.Weights.Relevance.Query)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, time.Hour, cfg.Engine.CompactionInterval)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RECALL_STORAGE_ENGINE", "postgres")
	t.Setenv("RECALL_ENGINE_DEFAULT_K", "12")
	t.Setenv("RECALL_GATEWAY_TIMEOUT", "5s")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, 12, cfg.Engine.DefaultK)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Timeout)
}

func TestWeightsValidate(t *testing.T) {
	w := config.DefaultWeights()
	require.NoError(t, w.Validate())

	bad := config.DefaultWeights()
	bad.Relevance.Query = 0.9 // pushes the sum past 1
	assert.Error(t, bad.Validate())

	bad = config.DefaultWeights()
	bad.Confidence.Base = 0.1
	assert.Error(t, bad.Validate())

	bad = config.DefaultWeights()
	bad.SourceReliability["weird"] = 1.3
	assert.Error(t, bad.Validate())
}

func TestWeightsReliabilityFallback(t *testing.T) {
	w := config.DefaultWeights()
	assert.Equal(t, 1.0, w.Reliability(types.SourceUserStated))
	assert.Equal(t, w.DefaultReliability, w.Reliability("never_seen"))
}

func TestWeightsSourceSwapBumpsVersion(t *testing.T) {
	src := config.NewWeightsSource(config.DefaultWeights())
	require.Equal(t, 1, src.Current().Version)

	// Swapping in the same version must still be observable.
	applied := src.Swap(config.DefaultWeights())
	assert.Equal(t, 2, applied.Version)
	assert.Equal(t, 2, src.Current().Version)

	next := config.DefaultWeights()
	next.Version = 10
	applied = src.Swap(next)
	assert.Equal(t, 10, applied.Version)
}

func TestWeightsWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights:\n  version: 1\n"), 0o600))

	src := config.NewWeightsSource(config.DefaultWeights())
	ww := config.NewWeightsWatcher(path, src)
	require.NoError(t, ww.Start())
	defer ww.Stop()

	updated := `
weights:
  version: 7
  relevance:
    query: 0.6
    goal: 0.1
    recency: 0.2
    frequency: 0.05
    importance: 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	deadline := time.After(3 * time.Second)
	for src.Current().Version != 7 {
		select {
		case <-deadline:
			t.Fatalf("weights not reloaded, version still %d", src.Current().Version)
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.Equal(t, 0.6, src.Current().Relevance.Query)
}

func TestWeightsWatcherRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights:\n  version: 1\n"), 0o600))

	src := config.NewWeightsSource(config.DefaultWeights())
	ww := config.NewWeightsWatcher(path, src)
	require.NoError(t, ww.Start())
	defer ww.Stop()

	// Relevance weights that do not sum to 1 must be rejected.
	bad := `
weights:
  version: 9
  relevance:
    query: 0.9
    goal: 0.9
    recency: 0.9
    frequency: 0.9
    importance: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, src.Current().Version, "invalid weights must not be applied")
}
