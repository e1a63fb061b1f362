// Package middleware carries the HTTP cross-cutting concerns of the
// consensus API: per-participant rate limiting and request logging.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// RateLimiter enforces a per-participant request budget on API calls.
//
// Each participant gets a token bucket holding BurstSize tokens,
// refilled continuously at MaxCallsPerMinute per minute. A request
// spends one token; an empty bucket rejects. Idle buckets are
// garbage-collected.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	defaults RateLimitConfig
	clk      clock.Clock
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // sustained refill rate per participant
	BurstSize         int // bucket capacity, bursts above the sustained rate
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return newRateLimiter(cfg, clock.SystemClock{})
}

func newRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 120
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		defaults: cfg,
		clk:      clk,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow spends one token from the participant's bucket, reporting
// whether the request may pass.
func (rl *RateLimiter) Allow(participantID string) bool {
	now := rl.clk.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[participantID]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.defaults.BurstSize), lastSeen: now}
		rl.buckets[participantID] = b
	}

	refill := now.Sub(b.lastSeen).Minutes() * float64(rl.defaults.MaxCallsPerMinute)
	b.tokens += refill
	if capacity := float64(rl.defaults.BurstSize); b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastSeen = now

	if b.tokens < 1 {
		rl.logger.Printf("🚫 Rate limit exceeded: participant=%s rate=%d/min burst=%d",
			participantID, rl.defaults.MaxCallsPerMinute, rl.defaults.BurstSize)
		return false
	}
	b.tokens--
	return true
}

// Middleware enforces the limit per X-Participant-ID. Admin and
// security principals bypass it so an emergency stop can always get
// through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := core.Role(r.Header.Get("X-Role"))
		if role == core.RoleAdmin || role == core.RoleSecurity {
			next.ServeHTTP(w, r)
			return
		}

		participantID := r.Header.Get("X-Participant-ID")
		if participantID == "" {
			participantID = "anonymous"
		}

		if !rl.Allow(participantID) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop terminates the cleanup worker. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// cleanup periodically drops buckets idle long enough to be full again.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.clk.Now()
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) > 2*time.Minute {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_buckets":    len(rl.buckets),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
