package api

import (
	"sync"
	"time"
)

// RateLimiter throttles requests per client using sliding-window counters.
// Each key keeps two adjacent window counts; the previous window is weighted
// by its remaining overlap, which bounds memory per key regardless of rate.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	done    chan struct{}
}

type bucket struct {
	prev     int
	curr     int
	windowAt time.Time
}

// NewRateLimiter creates a new rate limiter and starts the background
// eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		done:    make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b := r.buckets[key]
	if b == nil {
		b = &bucket{windowAt: now}
		r.buckets[key] = b
	}
	b.advance(now, r.window)

	overlap := 1 - float64(now.Sub(b.windowAt))/float64(r.window)
	estimated := float64(b.curr) + overlap*float64(b.prev)
	if estimated >= float64(r.limit) {
		return false
	}

	b.curr++
	return true
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	close(r.done)
}

func (b *bucket) advance(now time.Time, window time.Duration) {
	elapsed := now.Sub(b.windowAt)
	switch {
	case elapsed < window:
	case elapsed < 2*window:
		b.prev = b.curr
		b.curr = 0
		b.windowAt = b.windowAt.Add(window)
	default:
		b.prev = 0
		b.curr = 0
		b.windowAt = now
	}
}

// evictLoop periodically drops keys idle for two full windows, preventing
// unbounded growth of the bucket map.
func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			for key, b := range r.buckets {
				if now.Sub(b.windowAt) >= 2*r.window {
					delete(r.buckets, key)
				}
			}
			r.mu.Unlock()
		}
	}
}
