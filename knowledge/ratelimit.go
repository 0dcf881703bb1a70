package knowledge

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder throttles upstream embedding requests to rps calls
// per second. A non-positive rps disables the limiter.
func NewRateLimitedEmbedder(inner Embedder, rps float64, burst int) Embedder {
	if rps <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedEmbedder{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimitedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingUnavailable, err)
	}
	return r.inner.Embed(ctx, inputs)
}
