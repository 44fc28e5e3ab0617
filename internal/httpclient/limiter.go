package httpclient

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter paces request dispatch per upstream host. All fetch paths in
// the process share one limiter per host, so a stampede of cache misses for
// different songs still reaches the origin at a bounded rate.
//
// Usage: wait before sending a request.
//
//	if err := limiter.Wait(ctx, upstream.BaseURL); err != nil { ... }
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewHostLimiter allows perSecond request starts per host with the given
// burst. perSecond <= 0 disables pacing (Wait returns immediately).
func NewHostLimiter(perSecond float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Wait blocks until the host's limiter admits one request or ctx is done.
// host may be a bare host or a full URL; it is normalised to scheme+host.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || h.rate <= 0 {
		return nil
	}
	return h.limiterFor(host).Wait(ctx)
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rate, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l
}
