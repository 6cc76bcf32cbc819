// Copyright 2025 Joseph Cumines
//
// Token bucket rate limiting, per peer and for the diagnostics endpoint

package transport

import (
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RateLimiter is a token bucket. The burst size is twice the rate (at
// least one). A nil *RateLimiter allows everything.
type RateLimiter struct {
	clock      func() time.Time // injectable clock for testing
	lastUpdate time.Time        // last time tokens were refilled
	rate       float64          // tokens added per second
	burst      float64          // maximum bucket capacity
	tokens     float64          // current available tokens
	mu         sync.Mutex       // protects all fields
}

// NewRateLimiter returns a limiter allowing requestsPerSecond, or nil
// (disabled) if the rate is not positive.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return NewRateLimiterWithClock(requestsPerSecond, time.Now)
}

// NewRateLimiterWithClock is NewRateLimiter with an injectable clock.
func NewRateLimiterWithClock(requestsPerSecond float64, clock func() time.Time) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := max(requestsPerSecond*2, 1)
	return &RateLimiter{
		rate:       requestsPerSecond,
		burst:      burst,
		tokens:     burst,
		lastUpdate: clock(),
		clock:      clock,
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	r.tokens = min(r.tokens+now.Sub(r.lastUpdate).Seconds()*r.rate, r.burst)
	r.lastUpdate = now

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Tokens returns the available tokens, or -1 for a disabled limiter.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

// DefaultMaxPeers bounds the number of per-peer buckets kept.
const DefaultMaxPeers = 1024

// PeerRateLimiter keeps one bucket per peer key (an identity digest). The
// least recently seen peers are evicted beyond the bound; an evicted peer
// starts again with a full bucket. A nil *PeerRateLimiter allows
// everything.
type PeerRateLimiter struct {
	clock   func() time.Time
	buckets *lru.Cache[string, *RateLimiter]
	rate    float64
	mu      sync.Mutex
}

// NewPeerRateLimiter returns a per-peer limiter, or nil (disabled) if the
// rate is not positive.
func NewPeerRateLimiter(requestsPerSecond float64, maxPeers int) *PeerRateLimiter {
	return NewPeerRateLimiterWithClock(requestsPerSecond, maxPeers, time.Now)
}

// NewPeerRateLimiterWithClock is NewPeerRateLimiter with an injectable
// clock.
func NewPeerRateLimiterWithClock(requestsPerSecond float64, maxPeers int, clock func() time.Time) *PeerRateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	buckets, err := lru.New[string, *RateLimiter](maxPeers)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &PeerRateLimiter{clock: clock, buckets: buckets, rate: requestsPerSecond}
}

// Allow consumes a token from the bucket of key.
func (p *PeerRateLimiter) Allow(key string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	rl, ok := p.buckets.Get(key)
	if !ok {
		rl = NewRateLimiterWithClock(p.rate, p.clock)
		p.buckets.Add(key, rl)
	}
	p.mu.Unlock()
	return rl.Allow()
}

// Peers returns the number of tracked buckets.
func (p *PeerRateLimiter) Peers() int {
	if p == nil {
		return 0
	}
	return p.buckets.Len()
}

// RateLimitMiddleware applies limiter to every path except /health and
// /metrics, answering 429 with Retry-After when exhausted. A nil limiter
// makes it a passthrough.
func RateLimitMiddleware(limiter *RateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
