package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bizscout/harvester/internal/telemetry"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

// Breaker states.
const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// String renders the state name for logs.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrBreakerOpen is returned without invoking the wrapped operation while
// the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig controls trip and recovery behavior.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration
}

// Breaker is an explicit circuit breaker state machine: consecutive failures
// trip it open, a reset timeout admits one half-open trial call, and a
// success closes it again.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
	now           func() time.Time
}

// NewBreaker creates a Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg: cfg,
		now: time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure counter.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed. While open it fails immediately;
// after the reset timeout it admits exactly one trial call in half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.trialInFlight = true
		return nil
	default: // half-open
		if b.trialInFlight {
			return ErrBreakerOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.setState(BreakerClosed)
}

// RecordFailure counts a failure; at the threshold (or on a failed trial)
// the breaker opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	b.trialInFlight = false
	if b.state == BreakerHalfOpen {
		b.setState(BreakerOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.setState(BreakerOpen)
	}
}

// Do wraps op with the breaker: rejected calls never invoke op.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := op(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// setState updates the state and the gauge. Caller holds the lock.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	telemetry.SetBreakerState(int(s))
}
