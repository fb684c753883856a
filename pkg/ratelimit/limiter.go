// Package ratelimit bounds the rate of anchoring submissions toward the
// external chain client. A local token bucket covers single-process
// deployments; the Redis variant coordinates multiple workers sharing one
// chain endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter answers whether an operation identified by key may proceed now.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LocalLimiter is an in-process token bucket per key.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	capacity int
}

// NewLocalLimiter creates a limiter refilling rps tokens per second with the
// given burst capacity.
func NewLocalLimiter(rps float64, capacity int) *LocalLimiter {
	return &LocalLimiter{
		buckets:  make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		capacity: capacity,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, cost int) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.capacity)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.AllowN(time.Now(), cost), nil
}
