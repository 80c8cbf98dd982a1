package status

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter throttles outbound check traffic per remote host with a token
// bucket per hostname. A run that checks hundreds of links pointing at the
// same origin must not hammer it.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewHostLimiter builds a limiter allowing rps requests per second with the
// given burst, per host. A non-positive rps disables throttling.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

// Wait blocks until the host of absoluteURL may be contacted again, or the
// context is cancelled. Unparseable URLs share a single bucket.
func (h *HostLimiter) Wait(ctx context.Context, absoluteURL string) error {
	host := "unknown"
	if u, err := url.Parse(absoluteURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	h.mu.Lock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = limiter
	}
	h.mu.Unlock()

	return limiter.Wait(ctx)
}
