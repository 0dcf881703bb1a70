package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultEmbeddingCacheTTL = 24 * time.Hour
	embeddingCacheTimeout    = 300 * time.Millisecond
)

// vectorCache stores encoded vectors by key. load returns one entry per key,
// nil where the key is absent.
type vectorCache interface {
	load(ctx context.Context, keys []string) ([][]byte, error)
	store(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

type redisVectorCache struct {
	client *redis.Client
}

func (r redisVectorCache) load(ctx context.Context, keys []string) ([][]byte, error) {
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i := range keys {
		if i < len(values) {
			if raw, ok := values[i].(string); ok {
				out[i] = []byte(raw)
			}
		}
	}
	return out, nil
}

func (r redisVectorCache) store(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for key, payload := range entries {
		pipe.Set(ctx, key, payload, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// cachedEmbedder stores vectors keyed by model and text hash.
// Embeddings are deterministic for a model, so cached entries never go stale.
type cachedEmbedder struct {
	inner  Embedder
	cache  vectorCache
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedEmbedder(inner Embedder, client *redis.Client, model string, ttl time.Duration, logger *slog.Logger) Embedder {
	if client == nil {
		return inner
	}
	return newCachedEmbedder(inner, redisVectorCache{client: client}, model, ttl, logger)
}

func newCachedEmbedder(inner Embedder, cache vectorCache, model string, ttl time.Duration, logger *slog.Logger) *cachedEmbedder {
	if ttl <= 0 {
		ttl = defaultEmbeddingCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &cachedEmbedder{inner: inner, cache: cache, model: model, ttl: ttl, logger: logger}
}

func (c *cachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("knowledge:embedding:%s:%s", c.model, hex.EncodeToString(sum[:]))
}

func (c *cachedEmbedder) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= embeddingCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, embeddingCacheTimeout)
}

// Embed serves hits from the cache and sends only the misses upstream. The
// result is in input order either way.
func (c *cachedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(inputs))
	for i, text := range inputs {
		keys[i] = c.key(text)
	}

	results := make([][]float32, len(inputs))
	cacheCtx, cancel := c.cacheContext(ctx)
	cached, err := c.cache.load(cacheCtx, keys)
	cancel()
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
		cached = nil
	}

	var missing []int
	for i := range inputs {
		if i < len(cached) && cached[i] != nil {
			var vector []float32
			if json.Unmarshal(cached[i], &vector) == nil && len(vector) > 0 {
				results[i] = vector
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	texts := make([]string, len(missing))
	for j, idx := range missing {
		texts[j] = inputs[idx]
	}
	fresh, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("%w: embedding count mismatch (expected %d, got %d)", ErrEmbeddingUnavailable, len(missing), len(fresh))
	}

	entries := make(map[string][]byte, len(missing))
	for j, idx := range missing {
		results[idx] = fresh[j]
		if payload, err := json.Marshal(fresh[j]); err == nil {
			entries[keys[idx]] = payload
		}
	}
	cacheCtx, cancel = c.cacheContext(ctx)
	defer cancel()
	if err := c.cache.store(cacheCtx, entries, c.ttl); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
	return results, nil
}
