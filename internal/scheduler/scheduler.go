// Package scheduler owns the job queue: it claims pending jobs in priority
// order, runs them under a concurrency cap, and drives their terminal
// transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// Runner executes one claimed job to completion.
type Runner interface {
	Run(ctx context.Context, job harvest.Job) (harvest.JobResultSummary, error)
}

// Config controls dispatch behavior.
type Config struct {
	// Concurrency caps simultaneously processing jobs.
	Concurrency int
	// PollInterval bounds how long a pending job waits when no wake-up fires.
	PollInterval time.Duration
}

// Scheduler polls the store for pending work. Claiming happens on a single
// goroutine, which is what makes the claim-then-transition sequence atomic
// without store-level locking.
type Scheduler struct {
	cfg      Config
	store    harvest.JobStore
	runner   Runner
	emitter  harvest.Emitter
	notifier harvest.Notifier
	clock    harvest.Clock
	ids      harvest.IDGenerator
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*activeJob
	wake   chan struct{}
	wg     sync.WaitGroup
}

// activeJob tracks an in-flight run so cancellation and reaping can reach it.
type activeJob struct {
	cancel    context.CancelFunc
	cancelled bool
	reaped    bool
}

// New creates a Scheduler.
func New(cfg Config, store harvest.JobStore, runner Runner, emitter harvest.Emitter, notifier harvest.Notifier, clock harvest.Clock, ids harvest.IDGenerator, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		runner: runner, emitter: emitter, notifier: notifier,
		clock: clock, ids: ids, logger: logger,
		active: make(map[string]*activeJob),
		wake:   make(chan struct{}, 1),
	}
}

// Submit enqueues a new job and wakes the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, filter harvest.FilterSpec, priority harvest.Priority) (harvest.Job, error) {
	if len(filter) == 0 {
		return harvest.Job{}, fmt.Errorf("filter must not be empty")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("job id: %w", err)
	}
	now := s.clock.Now()
	job := harvest.Job{
		ID:       id,
		Filter:   filter,
		Priority: priority,
		Status:   harvest.JobStatusPending,
		Created:  now,
		Updated:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return harvest.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.emitJobEvent(harvest.EventJobCreated, job.ID, harvest.JobStatusPending, 0, "")
	s.notify(ctx, job.ID, harvest.JobStatusPending, 0, "queued")
	s.poke()
	return job, nil
}

// Cancel requests cancellation. Pending jobs are cancelled immediately;
// processing jobs get their context cancelled and finish cooperatively at
// the runner's next safe point.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	s.mu.Lock()
	if entry, ok := s.active[jobID]; ok {
		entry.cancelled = true
		entry.cancel()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Not in flight: flip the queue entry directly.
	return s.finalize(ctx, jobID, harvest.JobStatusCancelled, nil, "")
}

// Run dispatches until the context finishes, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// ActiveCount reports how many jobs are currently running.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// poke wakes the dispatcher without blocking.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch claims pending jobs until the cap is reached or the queue drains.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		slots := s.cfg.Concurrency - len(s.active)
		s.mu.Unlock()
		if slots <= 0 {
			return
		}
		job, ok := s.claim(ctx)
		if !ok {
			return
		}
		s.start(ctx, job)
	}
}

// claim picks the next pending job (priority descending, then submission
// order) and transitions it to processing.
func (s *Scheduler) claim(ctx context.Context) (harvest.Job, bool) {
	pending, err := s.store.ListByStatus(ctx, harvest.JobStatusPending)
	if err != nil {
		s.logger.Error("list pending jobs", zap.Error(err))
		return harvest.Job{}, false
	}
	if len(pending) == 0 {
		return harvest.Job{}, false
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].Created.Before(pending[j].Created)
	})
	job := pending[0]

	started := s.clock.Now()
	status := harvest.JobStatusProcessing
	msg := "processing"
	if err := s.store.UpdateJob(ctx, job.ID, harvest.JobUpdate{
		Status:  &status,
		Started: &started,
		Message: &msg,
	}); err != nil {
		s.logger.Error("claim job", zap.String("job", job.ID), zap.Error(err))
		return harvest.Job{}, false
	}
	job.Status = status
	job.Started = &started
	return job, true
}

// start launches the runner goroutine for a claimed job.
func (s *Scheduler) start(ctx context.Context, job harvest.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	entry := &activeJob{cancel: cancel}

	s.mu.Lock()
	s.active[job.ID] = entry
	telemetry.SetActiveJobs(len(s.active))
	s.mu.Unlock()

	s.emitJobEvent(harvest.EventJobStarted, job.ID, harvest.JobStatusProcessing, 0, "")
	s.notify(ctx, job.ID, harvest.JobStatusProcessing, 0, "started")
	s.logger.Info("job started",
		zap.String("job", job.ID),
		zap.String("priority", job.Priority.String()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		result, runErr := s.runner.Run(jobCtx, job)

		s.mu.Lock()
		reaped := entry.reaped
		cancelled := entry.cancelled
		delete(s.active, job.ID)
		telemetry.SetActiveJobs(len(s.active))
		s.mu.Unlock()

		if reaped {
			// The reaper already wrote the terminal state; this goroutine is
			// a zombie and must not overwrite it.
			s.logger.Warn("reaped job returned late", zap.String("job", job.ID))
			return
		}

		// Detached context: the run context may be the reason we are here.
		finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finCancel()

		switch {
		case cancelled || errors.Is(runErr, harvest.ErrJobCancelled):
			if err := s.finalize(finCtx, job.ID, harvest.JobStatusCancelled, nil, "cancelled"); err != nil {
				s.logger.Error("finalize cancelled job", zap.String("job", job.ID), zap.Error(err))
			}
		case runErr != nil:
			if err := s.finalize(finCtx, job.ID, harvest.JobStatusFailed, nil, runErr.Error()); err != nil {
				s.logger.Error("finalize failed job", zap.String("job", job.ID), zap.Error(err))
			}
		default:
			if err := s.finalize(finCtx, job.ID, harvest.JobStatusCompleted, &result, ""); err != nil {
				s.logger.Error("finalize completed job", zap.String("job", job.ID), zap.Error(err))
			}
		}
		s.poke()
	}()
}

// finalize writes a terminal status and emits the matching event.
func (s *Scheduler) finalize(ctx context.Context, jobID string, status harvest.JobStatus, result *harvest.JobResultSummary, errText string) error {
	now := s.clock.Now()
	progress := 100
	update := harvest.JobUpdate{
		Status:    &status,
		Completed: &now,
	}
	if status == harvest.JobStatusCompleted {
		update.Progress = &progress
		update.Result = result
	}
	if errText != "" && status == harvest.JobStatusFailed {
		update.ErrorText = &errText
	}
	msg := string(status)
	update.Message = &msg
	if err := s.store.UpdateJob(ctx, jobID, update); err != nil {
		if errors.Is(err, harvest.ErrJobFinalized) {
			// Another writer (reaper, cancel) beat us to a terminal status.
			// Its event already went out; ours must not.
			s.logger.Warn("job already finalized",
				zap.String("job", jobID), zap.String("attempted", string(status)))
			return nil
		}
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}

	telemetry.ObserveJob(string(status))
	eventType := map[harvest.JobStatus]harvest.EventType{
		harvest.JobStatusCompleted: harvest.EventJobCompleted,
		harvest.JobStatusFailed:    harvest.EventJobFailed,
		harvest.JobStatusCancelled: harvest.EventJobCancelled,
	}[status]
	s.emitJobEvent(eventType, jobID, status, 100, errText)
	s.notify(ctx, jobID, status, 100, errText)
	s.logger.Info("job finished", zap.String("job", jobID), zap.String("status", string(status)))
	return nil
}

// markReaped flags an in-flight job as force-failed by the reaper and
// cancels its run. Returns false when the job is not in flight.
func (s *Scheduler) markReaped(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.active[jobID]
	if !ok {
		return false
	}
	entry.reaped = true
	entry.cancel()
	return true
}

func (s *Scheduler) emitJobEvent(t harvest.EventType, jobID string, status harvest.JobStatus, progress int, errText string) {
	if s.emitter == nil || t == "" {
		return
	}
	data := map[string]any{
		"job_id":   jobID,
		"status":   string(status),
		"progress": progress,
	}
	if errText != "" {
		data["error"] = errText
	}
	s.emitter.Emit(harvest.Event{Type: t, Data: data})
}

func (s *Scheduler) notify(ctx context.Context, jobID string, status harvest.JobStatus, progress int, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyJobUpdate(ctx, harvest.JobUpdateNotice{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Message:  message,
	})
}
