package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per (graph, subject). A bucket holds
// max tokens and refills completely over window.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		buckets: map[string]*bucket{},
	}
}

// allow takes one token for key. When the bucket is empty it reports how long
// until the next token.
func (r *rateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now

	reservation := b.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweepLocked drops buckets idle for a whole window. Such a bucket has
// refilled to burst, so a fresh one behaves identically.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) >= r.window {
			delete(r.buckets, key)
		}
	}
	r.lastSweep = now
}
