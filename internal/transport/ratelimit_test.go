// Copyright 2025 Joseph Cumines
//
// Rate limiter unit tests

package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want bool // true = enabled, false = disabled (nil)
	}{
		{"positive rate", 10.0, true},
		{"zero rate", 0, false},
		{"negative rate", -1, false},
		{"small positive rate", 0.2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(tt.rate)
			if tt.want && rl == nil {
				t.Error("Expected limiter to be enabled (non-nil)")
			}
			if !tt.want && rl != nil {
				t.Error("Expected limiter to be disabled (nil)")
			}
		})
	}
}

func TestRateLimiter_NilAllows(t *testing.T) {
	var rl *RateLimiter
	if !rl.Allow() {
		t.Error("Nil limiter should always allow")
	}
	if rl.Tokens() != -1 {
		t.Errorf("Nil limiter Tokens = %v, want -1", rl.Tokens())
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	rl := NewRateLimiterWithClock(2.0, clock) // burst = 4

	for i := 0; i < 4; i++ {
		if !rl.Allow() {
			t.Errorf("Request %d should be allowed (within burst)", i+1)
		}
	}
	if rl.Allow() {
		t.Error("Request 5 should be rejected (bucket exhausted)")
	}

	now = now.Add(time.Second)
	if !rl.Allow() || !rl.Allow() {
		t.Error("Expected 2 requests after 1s refill")
	}
	if rl.Allow() {
		t.Error("Third request after 1s should be rejected")
	}

	now = now.Add(time.Hour)
	if got := rl.Tokens(); got != 0 {
		t.Errorf("Tokens before refill = %v, want 0", got)
	}
	rl.Allow()
	if got := rl.Tokens(); got != 3 {
		t.Errorf("Tokens after long idle = %v, want burst-1 = 3", got)
	}
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithClock(0.2, func() time.Time { return now })
	if !rl.Allow() {
		t.Error("Expected the minimum burst of 1 to allow one request")
	}
	if rl.Allow() {
		t.Error("Expected second request to be rejected")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithClock(50, func() time.Time { return now }) // burst = 100

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 100 {
		t.Errorf("allowed = %d, want exactly the burst of 100", got)
	}
}

func TestPeerRateLimiter_Independent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPeerRateLimiterWithClock(1, 8, func() time.Time { return now }) // burst = 2

	for i := 0; i < 2; i++ {
		if !p.Allow("alice") {
			t.Fatalf("alice request %d rejected", i+1)
		}
	}
	if p.Allow("alice") {
		t.Error("alice should be limited")
	}
	if !p.Allow("bob") {
		t.Error("bob must not share alice's bucket")
	}
	if p.Peers() != 2 {
		t.Errorf("Peers = %d, want 2", p.Peers())
	}
}

func TestPeerRateLimiter_Bounded(t *testing.T) {
	p := NewPeerRateLimiter(10, 4)
	for i := 0; i < 20; i++ {
		p.Allow(fmt.Sprintf("peer-%d", i))
	}
	if p.Peers() != 4 {
		t.Errorf("Peers = %d, want 4", p.Peers())
	}
}

func TestPeerRateLimiter_Nil(t *testing.T) {
	p := NewPeerRateLimiter(0, 0)
	if p != nil {
		t.Fatal("Expected disabled limiter")
	}
	if !p.Allow("anyone") || p.Peers() != 0 {
		t.Error("Nil limiter should allow and track nothing")
	}
}

func TestRateLimitMiddleware_NilLimiter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(nil, next)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_ExemptPaths(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithClock(0.5, func() time.Time { return now }) // burst = 1
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(rl, next)

	for _, path := range []string{"/health", "/metrics"} {
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("%s request %d: status %d, want exempt", path, i, rec.Code)
			}
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first /status: status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second /status: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}
