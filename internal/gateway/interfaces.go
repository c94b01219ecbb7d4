// Package gateway wraps the external model dependencies of the engine:
// the embedding service and the text synthesis service. Both are consumed
// behind narrow interfaces so the engine never assumes a provider, and
// every outbound call passes through a circuit breaker and a rate limiter.
package gateway

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// Synthesizer produces short texts from prompts: merge synthesis for the
// conflict resolver and cluster summaries for the compactor.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (string, error)
	Model() string
}
