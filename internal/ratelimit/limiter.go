// Package ratelimit implements a sliding-window rate limiter for outbound
// page requests, plus randomized human-like pacing delays.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bizscout/harvester/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxRequests is the cap on requests inside one trailing window.
	MaxRequests int
	// Window is the trailing window length.
	Window time.Duration
}

// Limiter bounds request frequency over a trailing window. Safe for
// concurrent use.
type Limiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	max        int
	window     time.Duration
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	maxReq := cfg.MaxRequests
	if maxReq <= 0 {
		maxReq = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		max:    maxReq,
		window: window,
	}
}

// Wait blocks until fewer than MaxRequests timestamps remain inside the
// trailing window, then records the new request. It respects the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)
		if len(l.timestamps) < l.max {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			if waited := time.Since(start); waited > time.Millisecond {
				telemetry.ObserveRateLimitWait(waited)
			}
			return nil
		}
		// Oldest timestamp leaving the window frees the next slot.
		wakeAt := l.timestamps[0].Add(l.window)
		l.mu.Unlock()

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// RandomDelay suspends for a uniformly random duration in [min, max],
// imitating human pacing between actions. Distinct from the hard cap.
func (l *Limiter) RandomDelay(ctx context.Context, min, max time.Duration) error {
	if max < min {
		min, max = max, min
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int64N(int64(span) + 1))
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("random delay: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Pending reports how many timestamps currently sit inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.timestamps)
}

// prune drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.timestamps) && !l.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[idx:]...)
	}
}
