// Package sessions implements the bounded two-level pool of reusable
// automation sessions (instances × sessions per instance).
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// Instance groups sessions under one parent (a browser process, a shared
// HTTP collector).
type Instance interface {
	NewSession(ctx context.Context) (harvest.Session, error)
	Close() error
}

// InstanceFactory creates pool instances at construction time.
type InstanceFactory interface {
	NewInstance(ctx context.Context) (Instance, error)
}

// Config sizes the pool. Total capacity = Instances × SessionsPerInstance.
type Config struct {
	Instances           int
	SessionsPerInstance int
}

// Pool is a fixed-capacity session pool. Acquire blocks on a weighted
// semaphore until a session frees up, avoiding busy-wait polling.
type Pool struct {
	sem       *semaphore.Weighted
	mu        sync.Mutex
	instances []*poolInstance
	inUse     int
	closed    bool
	logger    *zap.Logger
}

type poolInstance struct {
	inst  Instance
	slots []*slot
}

type slot struct {
	session harvest.Session
	busy    bool
}

// Lease is one acquired session. Release is idempotent and must run even
// when the owning task fails, or the pool starves.
type Lease struct {
	Session harvest.Session
	pool    *Pool
	slot    *slot
	once    sync.Once
}

// Release returns the session to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.slot)
	})
}

// New pre-allocates every instance and session up front so capacity failures
// surface at startup, not mid-job.
func New(ctx context.Context, cfg Config, factory InstanceFactory, logger *zap.Logger) (*Pool, error) {
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.SessionsPerInstance <= 0 {
		cfg.SessionsPerInstance = 1
	}
	if factory == nil {
		return nil, errors.New("instance factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	capacity := cfg.Instances * cfg.SessionsPerInstance
	p := &Pool{
		sem:    semaphore.NewWeighted(int64(capacity)),
		logger: logger,
	}
	for i := 0; i < cfg.Instances; i++ {
		inst, err := factory.NewInstance(ctx)
		if err != nil {
			p.closeLocked(context.Background())
			return nil, fmt.Errorf("create instance %d: %w", i, err)
		}
		pi := &poolInstance{inst: inst}
		for j := 0; j < cfg.SessionsPerInstance; j++ {
			sess, err := inst.NewSession(ctx)
			if err != nil {
				p.instances = append(p.instances, pi)
				p.closeLocked(context.Background())
				return nil, fmt.Errorf("create session %d/%d: %w", i, j, err)
			}
			pi.slots = append(pi.slots, &slot{session: sess})
		}
		p.instances = append(p.instances, pi)
	}
	return p, nil
}

// Capacity returns the total session count.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pi := range p.instances {
		n += len(pi.slots)
	}
	return n
}

// InUse returns how many sessions are currently leased.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Acquire blocks until a session is free or the context finishes.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, errors.New("pool closed")
	}
	// The semaphore guarantees a free slot exists; scan instances for it.
	for _, pi := range p.instances {
		for _, s := range pi.slots {
			if !s.busy {
				s.busy = true
				p.inUse++
				telemetry.SetPoolSessionsInUse(p.inUse)
				return &Lease{Session: s.session, pool: p, slot: s}, nil
			}
		}
	}
	// Unreachable unless bookkeeping broke.
	p.sem.Release(1)
	return nil, errors.New("no free session despite semaphore grant")
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	if s.busy {
		s.busy = false
		p.inUse--
		telemetry.SetPoolSessionsInUse(p.inUse)
	}
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close tears down all sessions, then instances. Individual close failures
// are logged and tolerated; teardown always runs to completion.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(ctx)
}

func (p *Pool) closeLocked(_ context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for i, pi := range p.instances {
		for j, s := range pi.slots {
			if err := s.session.Close(); err != nil {
				p.logger.Warn("session close failed",
					zap.Int("instance", i), zap.Int("session", j), zap.Error(err))
				errs = append(errs, err)
			}
		}
		if err := pi.inst.Close(); err != nil {
			p.logger.Warn("instance close failed", zap.Int("instance", i), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
