package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// providerLimiter keeps one token bucket per webhook provider, so a noisy
// provider cannot starve the others.
type providerLimiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	items map[string]*rate.Limiter
}

// newProviderLimiter allows perSecond events per provider. Zero or less disables limiting.
func newProviderLimiter(perSecond float64, burst int) *providerLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &providerLimiter{
		limit: limit,
		burst: burst,
		items: make(map[string]*rate.Limiter),
	}
}

func (l *providerLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}

	l.mu.Lock()
	limiter, ok := l.items[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.items[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
