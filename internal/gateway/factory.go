package gateway

import (
	"fmt"

	"github.com/scrypster/recall/internal/config"
)

// New builds the embedder and synthesizer named by the gateway config.
// The embedder is wrapped in an LRU cache when a cache size is configured.
func New(cfg config.GatewayConfig) (Embedder, Synthesizer, error) {
	var embedder Embedder
	var synth Synthesizer

	switch cfg.Provider {
	case "ollama":
		client := NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			EmbedModel:     cfg.OllamaEmbeddingModel,
			SynthModel:     cfg.OllamaModel,
			Dimension:      cfg.EmbeddingDimension,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RequestsPerSec: cfg.RequestsPerSecond,
		})
		embedder, synth = client, client
	case "openai":
		client := NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			EmbedModel:     cfg.OpenAIEmbeddingModel,
			SynthModel:     cfg.OpenAIModel,
			Dimension:      cfg.EmbeddingDimension,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RequestsPerSec: cfg.RequestsPerSecond,
		})
		embedder, synth = client, client
	default:
		return nil, nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}

	if cfg.EmbeddingCacheSize > 0 {
		cached, err := NewCachedEmbedder(embedder, cfg.EmbeddingCacheSize)
		if err != nil {
			return nil, nil, fmt.Errorf("creating embedding cache: %w", err)
		}
		embedder = cached
	}
	return embedder, synth, nil
}
