package llmwork

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps outbound request rate per model class so a runaway
// repair loop cannot hammer the gateway.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewRateLimiter builds a limiter keyed by model class, each allowing rps
// requests per second with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 4
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Wait blocks until the given model class's bucket admits one request, or
// ctx is done first.
func (r *RateLimiter) Wait(ctx context.Context, modelClass string) error {
	return r.limiterFor(modelClass).Wait(ctx)
}

func (r *RateLimiter) limiterFor(modelClass string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[modelClass]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[modelClass] = lim
	}
	return lim
}
