/**
 * @description
 * This file implements the payment initiation rate limiter contract and the
 * in-process fallback used when Redis is unavailable. Limiting is advisory
 * protection against gateway hammering, so limiter failures never block a
 * payment (fail-open); only an explicit "over limit" answer does.
 */

package app

import (
	"context"
	"sync"
	"time"
)

// RateLimiter answers whether one more payment initiation is allowed for a
// subject right now.
type RateLimiter interface {
	// Allow returns whether the attempt may proceed and, when denied, how
	// many seconds until the subject's window frees up.
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (allowed bool, retryAfterSeconds int, err error)
}

// LocalRateLimiter is a per-process sliding-window limiter keyed by subject.
// It is the fallback when no Redis client is configured and is also what the
// service tests exercise directly.
type LocalRateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time
}

// NewLocalRateLimiter creates an in-process sliding-window limiter.
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records the attempt unless the subject already has limit attempts
// inside the window.
func (l *LocalRateLimiter) Allow(ctx context.Context, subject string, limit int, window time.Duration) (bool, int, error) {
	if limit <= 0 || window <= 0 || subject == "" {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := l.history[subject][:0]
	for _, t := range l.history[subject] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.history[subject] = kept
		retryAfter := int(kept[0].Add(window).Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}

	l.history[subject] = append(kept, now)
	return true, 0, nil
}
