package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/askql/internal/metrics"
)

const (
	DefaultCacheTTL      = 30 * time.Minute
	DefaultCacheCapacity = 4096
)

// Cached memoizes embeddings of individual texts. Repeated questions hit the
// cache instead of the embedding service; only misses are forwarded, in one
// batch, preserving input order in the result.
type Cached struct {
	next  Embedder
	cache *ttlcache.Cache[string, []float32]
}

func NewCached(next Embedder, ttl time.Duration, capacity uint64) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity == 0 {
		capacity = DefaultCacheCapacity
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []float32](ttl),
		ttlcache.WithCapacity[string, []float32](capacity),
		ttlcache.WithDisableTouchOnHit[string, []float32](),
	)
	go cache.Start()
	return &Cached{next: next, cache: cache}
}

func (c *Cached) Dim() int {
	return c.next.Dim()
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if item := c.cache.Get(t); item != nil {
			out[i] = item.Value()
			metrics.EmbedCacheHitsTotal.Inc()
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	dim := c.next.Dim()
	for j, v := range vecs {
		out[missIdx[j]] = v
		// Malformed vectors are returned for the caller to reject but never cached.
		if len(v) != dim {
			continue
		}
		c.cache.Set(missTexts[j], v, ttlcache.DefaultTTL)
	}
	return out, nil
}

func (c *Cached) Close() {
	c.cache.Stop()
}
