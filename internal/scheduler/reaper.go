package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// ReaperConfig controls stalled-job detection.
type ReaperConfig struct {
	// StallTimeout is how long a processing job may go without a store
	// update before it is force-failed.
	StallTimeout time.Duration
	// Interval is the sweep period.
	Interval time.Duration
}

// Reaper periodically force-fails processing jobs that stopped making
// progress, freeing their concurrency slot.
type Reaper struct {
	cfg    ReaperConfig
	store  harvest.JobStore
	sched  *Scheduler
	clock  harvest.Clock
	logger *zap.Logger
}

// NewReaper creates a Reaper bound to the scheduler it sweeps for.
func NewReaper(cfg ReaperConfig, store harvest.JobStore, sched *Scheduler, clock harvest.Clock, logger *zap.Logger) *Reaper {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cfg: cfg, store: store, sched: sched, clock: clock, logger: logger}
}

// Run sweeps until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep force-fails every stalled processing job once.
func (r *Reaper) Sweep(ctx context.Context) {
	jobs, err := r.store.ListByStatus(ctx, harvest.JobStatusProcessing)
	if err != nil {
		r.logger.Error("list processing jobs", zap.Error(err))
		return
	}
	now := r.clock.Now()
	for _, job := range jobs {
		if now.Sub(job.Updated) <= r.cfg.StallTimeout {
			continue
		}
		r.reap(ctx, job)
	}
}

func (r *Reaper) reap(ctx context.Context, job harvest.Job) {
	stallErr := &harvest.StalledJobError{
		JobID: job.ID,
		Since: job.Updated.UTC().Format(time.RFC3339),
	}

	// Cancel the zombie run first so its goroutine sees the reaped flag and
	// never overwrites the terminal state written below.
	inFlight := r.sched.markReaped(job.ID)

	status := harvest.JobStatusFailed
	completed := r.clock.Now()
	errText := stallErr.Error()
	msg := "failed"
	if err := r.store.UpdateJob(ctx, job.ID, harvest.JobUpdate{
		Status:    &status,
		Completed: &completed,
		ErrorText: &errText,
		Message:   &msg,
	}); err != nil {
		r.logger.Error("reap job", zap.String("job", job.ID), zap.Error(err))
		return
	}

	telemetry.ObserveJob(string(status))
	r.sched.emitJobEvent(harvest.EventJobFailed, job.ID, status, job.Progress, errText)
	r.sched.notify(ctx, job.ID, status, job.Progress, errText)
	r.logger.Warn("reaped stalled job",
		zap.String("job", job.ID),
		zap.Bool("in_flight", inFlight),
		zap.Time("last_update", job.Updated),
	)
}
