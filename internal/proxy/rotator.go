// Package proxy selects and health-tracks egress proxies for page fetches.
package proxy

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/telemetry"
)

// Strategy names a proxy selection policy.
type Strategy string

// Supported rotation strategies.
const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategySticky      Strategy = "sticky"
	StrategyHealthBased Strategy = "health_based"
)

// latencyAlpha is the EMA smoothing factor for observed latencies.
const latencyAlpha = 0.3

// Proxy identifies one egress proxy.
type Proxy struct {
	ID  string
	URL string
}

// Health is the tracked health record for one proxy.
type Health struct {
	Healthy             bool
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	AvgLatency          time.Duration
	TotalRequests       int64
	SuccessfulRequests  int64
}

// successRate returns the fraction of successful requests, 1.0 when unused.
func (h *Health) successRate() float64 {
	if h.TotalRequests == 0 {
		return 1.0
	}
	return float64(h.SuccessfulRequests) / float64(h.TotalRequests)
}

// Prober checks whether a proxy can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, p Proxy) (time.Duration, error)
}

// Config controls health tracking and sweeping.
type Config struct {
	Strategy Strategy
	// MaxFailures is the consecutive-failure count that marks a proxy unhealthy.
	MaxFailures int
	// Cooldown is how long an unhealthy proxy sits out before re-probing.
	Cooldown time.Duration
	// SweepInterval is the period of the background health sweep.
	SweepInterval time.Duration
}

// Rotator hands out proxies under the configured strategy and tracks their
// health. Safe for concurrent use.
type Rotator struct {
	mu       sync.Mutex
	proxies  []Proxy
	health   map[string]*Health
	cfg      Config
	rrIdx    int
	stickyID string
	prober   Prober
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Rotator over the given proxy URLs. The URL doubles as the ID.
func New(urls []string, cfg Config, prober Prober, logger *zap.Logger) *Rotator {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotator{
		health: make(map[string]*Health, len(urls)),
		cfg:    cfg,
		prober: prober,
		logger: logger,
		now:    time.Now,
	}
	for _, u := range urls {
		r.proxies = append(r.proxies, Proxy{ID: u, URL: u})
		r.health[u] = &Health{Healthy: true}
	}
	telemetry.SetHealthyProxies(len(urls))
	return r
}

// Empty reports whether the rotator has no proxies configured at all.
func (r *Rotator) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies) == 0
}

// Next returns the next proxy under the configured strategy. When every
// proxy is unhealthy it runs an on-demand sweep before giving up.
func (r *Rotator) Next(ctx context.Context) (Proxy, bool) {
	r.mu.Lock()
	if len(r.proxies) == 0 {
		r.mu.Unlock()
		return Proxy{}, false
	}
	p, ok := r.selectLocked()
	r.mu.Unlock()
	if ok {
		return p, true
	}

	// Nothing healthy: probe everything sitting in cooldown right now.
	r.sweep(ctx, true)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked()
}

// selectLocked picks among healthy proxies. Caller holds the lock.
func (r *Rotator) selectLocked() (Proxy, bool) {
	healthy := make([]Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		if r.health[p.ID].Healthy {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return Proxy{}, false
	}

	switch r.cfg.Strategy {
	case StrategyRandom:
		return healthy[rand.IntN(len(healthy))], true
	case StrategySticky:
		if r.stickyID != "" {
			if h, ok := r.health[r.stickyID]; ok && h.Healthy {
				for _, p := range healthy {
					if p.ID == r.stickyID {
						return p, true
					}
				}
			}
		}
		r.stickyID = healthy[0].ID
		return healthy[0], true
	case StrategyHealthBased:
		sort.SliceStable(healthy, func(i, j int) bool {
			hi, hj := r.health[healthy[i].ID], r.health[healthy[j].ID]
			ri, rj := hi.successRate(), hj.successRate()
			if ri != rj {
				return ri > rj
			}
			return hi.AvgLatency < hj.AvgLatency
		})
		return healthy[0], true
	default: // round robin over the full list, skipping unhealthy entries
		for range r.proxies {
			p := r.proxies[r.rrIdx%len(r.proxies)]
			r.rrIdx++
			if r.health[p.ID].Healthy {
				return p, true
			}
		}
		return Proxy{}, false
	}
}

// RecordResult updates a proxy's health record after one request through it.
func (r *Rotator) RecordResult(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[id]
	if !ok {
		return
	}
	h.TotalRequests++
	if success {
		h.SuccessfulRequests++
		h.ConsecutiveFailures = 0
		h.LastSuccess = r.now()
		if latency > 0 {
			if h.AvgLatency == 0 {
				h.AvgLatency = latency
			} else {
				h.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(h.AvgLatency))
			}
		}
		return
	}
	h.ConsecutiveFailures++
	h.LastFailure = r.now()
	if h.Healthy && h.ConsecutiveFailures >= r.cfg.MaxFailures {
		h.Healthy = false
		if r.stickyID == id {
			r.stickyID = ""
		}
		r.logger.Warn("proxy marked unhealthy",
			zap.String("proxy", id),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
		)
	}
	r.publishHealthLocked()
}

// HealthOf returns a copy of the health record for a proxy.
func (r *Rotator) HealthOf(id string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Run sweeps unhealthy proxies periodically until the context finishes.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, false)
		}
	}
}

// sweep re-probes unhealthy proxies. With force set, cooldowns are ignored
// (used when no proxy is healthy).
func (r *Rotator) sweep(ctx context.Context, force bool) {
	if r.prober == nil {
		return
	}
	r.mu.Lock()
	due := make([]Proxy, 0)
	now := r.now()
	for _, p := range r.proxies {
		h := r.health[p.ID]
		if h.Healthy {
			continue
		}
		if force || now.Sub(h.LastFailure) >= r.cfg.Cooldown {
			due = append(due, p)
		}
	}
	r.mu.Unlock()

	for _, p := range due {
		latency, err := r.prober.Probe(ctx, p)
		r.mu.Lock()
		h := r.health[p.ID]
		if err != nil {
			h.LastFailure = r.now()
			r.mu.Unlock()
			r.logger.Debug("proxy probe failed", zap.String("proxy", p.ID), zap.Error(err))
			continue
		}
		h.Healthy = true
		h.ConsecutiveFailures = 0
		h.LastSuccess = r.now()
		if h.AvgLatency == 0 {
			h.AvgLatency = latency
		}
		r.publishHealthLocked()
		r.mu.Unlock()
		r.logger.Info("proxy restored", zap.String("proxy", p.ID), zap.Duration("latency", latency))
	}
}

// publishHealthLocked updates the healthy-proxy gauge. Caller holds the lock.
func (r *Rotator) publishHealthLocked() {
	n := 0
	for _, h := range r.health {
		if h.Healthy {
			n++
		}
	}
	telemetry.SetHealthyProxies(n)
}
