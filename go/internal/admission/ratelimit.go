package admission

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RateLimitConfig tunes the per-key request limiter.
type RateLimitConfig struct {
	Window  time.Duration // window length
	Limit   int           // requests allowed per key per window
	MaxKeys int           // bound on tracked keys; LRU eviction beyond it
}

// DefaultRateLimitConfig returns the documented defaults: 300 requests per
// 60 second window, at most 10,000 tracked keys.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:  60 * time.Second,
		Limit:   300,
		MaxKeys: 10000,
	}
}

type window struct {
	start time.Time
	count int
}

// RateLimiter counts requests per key within a fixed window: the count
// resets when a request arrives Window or more after the window started,
// rather than sliding continuously. A burst straddling a reset can admit
// up to 2x Limit in a Window-length span, but no key ever exceeds Limit
// within a single window, which is the ceiling callers rely on. The key
// map is bounded: under pressure the least-recently-used key is evicted
// and its count simply restarts, which is an acceptable approximation.
// State is per process instance; multi-instance deployments get
// best-effort limiting unless this is externalized.
type RateLimiter struct {
	config  RateLimitConfig
	clock   clockwork.Clock
	mu      sync.Mutex
	entries *lru.LRU[string, *window]
}

// NewRateLimiter builds a limiter on the given clock (fake in tests).
func NewRateLimiter(config RateLimitConfig, clock clockwork.Clock) *RateLimiter {
	// The LRU's own TTL is a backstop twice the window, so idle keys
	// expire even if never touched again.
	return &RateLimiter{
		config:  config,
		clock:   clock,
		entries: lru.NewLRU[string, *window](config.MaxKeys, nil, 2*config.Window),
	}
}

// Allow records one request for key and reports whether it is within the
// ceiling. On an internal failure the limiter fails open: admitting a
// request is cheaper than blocking all traffic on a limiter bug.
func (r *RateLimiter) Allow(key string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("key", key).Msg(fmt.Sprintf("rate limiter panic, failing open: %v", rec))
			err = nil
		}
	}()

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.entries.Get(key)
	if !ok || now.Sub(w.start) >= r.config.Window {
		r.entries.Add(key, &window{start: now, count: 1})
		return nil
	}
	w.count++
	if w.count > r.config.Limit {
		return fmt.Errorf("key %q exceeded %d requests per %s: %w",
			key, r.config.Limit, r.config.Window, ErrThrottled)
	}
	return nil
}

// TrackedKeys reports how many keys currently hold a window.
func (r *RateLimiter) TrackedKeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}
