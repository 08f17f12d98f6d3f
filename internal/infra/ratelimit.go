// Package infra holds small shared concurrency utilities: per-user rate
// limiting and retry with backoff.
package infra

import (
	"sync"
	"time"
)

// Bucket is a leaky-bucket rate limiter kept as a token count: tokens refill
// at a steady rate up to capacity and each request consumes one.
type Bucket struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	lastTime time.Time
}

// NewBucket creates a limiter allowing rate requests per second with the
// given burst capacity.
func NewBucket(rate float64, capacity int) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Bucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: time.Now(),
	}
}

// Allow reports whether one request may proceed now.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// UserLimiter keys buckets by user ID. Idle buckets are swept so the map
// does not grow with every user ever seen.
type UserLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*userBucket
}

type userBucket struct {
	bucket   *Bucket
	lastSeen time.Time
}

// NewUserLimiter allows requestsPerMinute sustained per user with the given
// burst.
func NewUserLimiter(requestsPerMinute, burst int) *UserLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	return &UserLimiter{
		rate:    float64(requestsPerMinute) / 60.0,
		burst:   burst,
		buckets: map[string]*userBucket{},
	}
}

// Allow reports whether the user may issue one more request now.
func (l *UserLimiter) Allow(userID string) bool {
	l.mu.Lock()
	entry := l.buckets[userID]
	if entry == nil {
		entry = &userBucket{bucket: NewBucket(l.rate, l.burst)}
		l.buckets[userID] = entry
	}
	entry.lastSeen = time.Now()
	if len(l.buckets) > 1024 {
		l.sweepLocked()
	}
	l.mu.Unlock()

	return entry.bucket.Allow()
}

func (l *UserLimiter) sweepLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
