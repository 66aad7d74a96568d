// Package retry classifies failures and re-runs transient ones with jittered
// exponential backoff, with a companion circuit breaker.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Policy computes whether and how long to wait between attempts.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
}

// NewPolicy builds a policy, filling in sane defaults.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	if p.multiplier <= 1 {
		p.multiplier = 2
	}
	return p
}

// MaxRetries returns the retry budget after the first attempt.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Delay returns the pre-jitter backoff for the given attempt (0-based),
// capped at the configured maximum.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt))
	if d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	return time.Duration(d)
}

// backoff adds up to 10% random jitter on top of Delay, still capped.
func (p *Policy) backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	d += randomJitter(d / 10)
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// ExhaustedError is returned once the retry budget is spent. It carries the
// last error and the total attempt count.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last underlying error.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs op, retrying transient failures per the policy. It returns the
// result and the number of attempts actually made. Non-retryable failure
// classes (captcha, blocked, parsing) fail on the first error.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempts, fmt.Errorf("retry aborted: %w", err)
		}
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, attempts, nil
		}
		lastErr = err

		kind := harvest.Classify(err)
		if !kind.Retryable() {
			return zero, attempts, err
		}
		if attempt >= p.maxRetries {
			break
		}
		telemetry.ObserveRetry(string(kind))

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempts, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return zero, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
