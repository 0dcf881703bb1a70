package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	indexOnce   sync.Once
	sharedIndex VectorIndex
	indexErr    error
)

// SharedIndex returns the process-wide vector index selected by
// VECTOR_BACKEND (qdrant, pgvector or memory). It is built exactly once.
func SharedIndex(db *gorm.DB) (VectorIndex, error) {
	indexOnce.Do(func() {
		sharedIndex, indexErr = newIndexFromEnv(db)
	})
	return sharedIndex, indexErr
}

func newIndexFromEnv(db *gorm.DB) (VectorIndex, error) {
	dimension := readIntEnv("EMBEDDING_VECTOR_DIM", defaultEmbeddingDim)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch backend := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))); backend {
	case "", "qdrant":
		index, err := NewQdrantIndexFromEnv()
		if err != nil {
			return nil, err
		}
		if err := index.EnsureCollection(ctx); err != nil {
			return nil, err
		}
		return index, nil
	case "pgvector":
		index, err := NewPgVectorIndex(db, dimension)
		if err != nil {
			return nil, err
		}
		if err := index.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return index, nil
	case "memory":
		return NewMemoryIndex(dimension), nil
	default:
		return nil, fmt.Errorf("knowledge: unsupported VECTOR_BACKEND %q", backend)
	}
}

// NewEmbedderFromEnv builds the HTTP embedder wrapped with the optional rate
// limiter and, when redis is available, the embedding cache.
func NewEmbedderFromEnv(client *redis.Client, logger *slog.Logger) (Embedder, error) {
	base, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	rps := 0.0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_RATE_LIMIT")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			rps = parsed
		}
	}
	limited := NewRateLimitedEmbedder(base, rps, readIntEnv("EMBEDDING_RATE_BURST", 1))

	ttl := defaultEmbeddingCacheTTL
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_CACHE_TTL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			ttl = parsed
		}
	}
	model := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	return NewCachedEmbedder(limited, client, model, ttl, logger), nil
}
