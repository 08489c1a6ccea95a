package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/cache"
)

// CachedEmbedder memoises vectors by text hash so repeated observations of
// the same issue do not re-call the embedding API. Cache failures are
// invisible to callers; the inner embedder is always the fallback.
type CachedEmbedder struct {
	inner Embedder
	cache cache.Provider
	ttl   time.Duration
}

// NewCachedEmbedder wraps inner with a cache. A nil provider degrades to
// the noop cache.
func NewCachedEmbedder(inner Embedder, provider cache.Provider, ttl time.Duration) *CachedEmbedder {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &CachedEmbedder{inner: inner, cache: provider, ttl: ttl}
}

// Embed returns the cached vector when present, otherwise delegates and
// stores the result.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if data, err := e.cache.Get(ctx, key); err == nil {
		if vector := DecodeVector(data); len(vector) == e.inner.Dimensions() {
			return vector, nil
		}
		// Stale entry from an older model or dimension change.
		_ = e.cache.Del(ctx, key)
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Set(ctx, key, EncodeVector(vector), e.ttl)
	return vector, nil
}

// Model returns the inner embedder's model identifier.
func (e *CachedEmbedder) Model() string { return e.inner.Model() }

// Dimensions returns the inner embedder's vector length.
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embed:%s:%s", e.inner.Model(), hex.EncodeToString(sum[:12]))
}
