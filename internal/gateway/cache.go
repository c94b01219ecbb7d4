package gateway

import (
	"context"
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an Embedder with an LRU cache keyed by the hash of
// the input text. Retrieval embeds the same query phrasings and the write
// gate re-embeds corroborated facts often enough that this saves a round
// trip on a meaningful share of calls.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[[32]byte, []float32]
}

// NewCachedEmbedder wraps inner with a cache of the given size. Size must
// be positive; callers that want no caching should use inner directly.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }
func (c *CachedEmbedder) Model() string  { return c.inner.Model() }

// Len reports the number of cached embeddings.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }
