package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/codeindex/internal/embed"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// DefaultMemoryCacheSize is used when no memory cache size is configured.
const DefaultMemoryCacheSize = 10000

// SharedCache is the second cache tier, usually shared between processes.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

var _ SharedCache = (*store.SQLiteEmbeddingCache)(nil)

type cacheTier int

const (
	tierMiss cacheTier = iota
	tierMemory
	tierShared
)

// embeddingCache checks an LRU first and the shared tier second. Shared-tier
// errors are logged and treated as misses.
type embeddingCache struct {
	mem    *lru.Cache[string, []float32]
	shared SharedCache
	logger *slog.Logger
}

func newEmbeddingCache(size int, shared SharedCache, logger *slog.Logger) *embeddingCache {
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	mem, _ := lru.New[string, []float32](size)
	return &embeddingCache{mem: mem, shared: shared, logger: logger}
}

// cacheKey identifies one embedding. Queries and documents of the same text
// embed differently, as do different dimensions and models.
func cacheKey(text string, input embed.InputType, dim int, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(input))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(dim)))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *embeddingCache) get(ctx context.Context, key string) ([]float32, cacheTier) {
	if vec, ok := c.mem.Get(key); ok {
		return vec, tierMemory
	}
	if c.shared == nil {
		return nil, tierMiss
	}
	vec, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared_cache_get_failed", slog.String("error", err.Error()))
		return nil, tierMiss
	}
	if !ok {
		return nil, tierMiss
	}
	c.mem.Add(key, vec)
	return vec, tierShared
}

func (c *embeddingCache) put(ctx context.Context, key string, vec []float32) {
	c.mem.Add(key, vec)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, vec); err != nil {
		c.logger.Warn("shared_cache_set_failed", slog.String("error", err.Error()))
	}
}

func (c *embeddingCache) purge() {
	c.mem.Purge()
}
