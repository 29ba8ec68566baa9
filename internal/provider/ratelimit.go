package provider

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimited wraps a provider with a local token bucket so sustained bursts
// surface as RATE_LIMIT failures instead of hammering the upstream. The
// failure feeds the provider's circuit breaker like any other error.
type RateLimited[T any] struct {
	inner   Provider[T]
	limiter *rate.Limiter
}

// NewRateLimited builds a rate-limited wrapper allowing rps sustained
// requests per second with the given burst capacity.
func NewRateLimited[T any](inner Provider[T], rps float64, burst int) *RateLimited[T] {
	return &RateLimited[T]{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited[T]) Name() string { return r.inner.Name() }

func (r *RateLimited[T]) Fetch(ctx context.Context, key string) (T, error) {
	if !r.limiter.Allow() {
		log.Warn().Str("provider", r.inner.Name()).Str("key", key).
			Msg("Local rate limit exceeded, rejecting fetch")
		var zero T
		return zero, &Error{
			Provider:  r.inner.Name(),
			Code:      ErrCodeRateLimit,
			Message:   "local rate limit exceeded",
			Temporary: true,
		}
	}
	return r.inner.Fetch(ctx, key)
}
