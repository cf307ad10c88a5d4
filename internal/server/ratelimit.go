package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin per client with the given burst.
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(requestsPerMin) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(client string) bool {
	r.mu.Lock()
	now := r.now()
	c, ok := r.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[client] = c
	}
	c.lastSeen = now
	r.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Cleanup removes clients idle for longer than maxIdle and returns how many
// were removed.
func (r *RateLimiter) Cleanup(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for ip, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup drops idle clients every interval until ctx is done.
func (r *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(time.Hour)
		}
	}
}

// Len returns the number of tracked clients.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
