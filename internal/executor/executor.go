// Package executor runs one extraction job end to end: lease a session,
// paginate through result pages under rate limits and failure protection,
// and persist what comes out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/processor"
	"github.com/bizscout/harvester/internal/ratelimit"
	"github.com/bizscout/harvester/internal/retry"
	"github.com/bizscout/harvester/internal/sessions"
)

// Config controls per-job pagination behavior.
type Config struct {
	// BaseURL is the target search page; filter values become query params.
	BaseURL string
	// MaxPages caps how many result pages one job may visit.
	MaxPages int
	// MinDelay/MaxDelay bound the randomized pause between page fetches.
	MinDelay time.Duration
	MaxDelay time.Duration
	// SnapshotPages stores raw page HTML in the blob store when true.
	SnapshotPages bool
}

// Executor implements the scheduler's Runner. One executor is shared by all
// jobs: the breaker and rate limiter it holds protect the single target site.
type Executor struct {
	cfg       Config
	pool      *sessions.Pool
	extractor harvest.Extractor
	jobs      harvest.JobStore
	records   harvest.RecordStore
	blobs     harvest.BlobStore
	limiter   *ratelimit.Limiter
	policy    *retry.Policy
	breaker   *retry.Breaker
	emitter   harvest.Emitter
	notifier  harvest.Notifier
	logger    *zap.Logger
}

// New creates an Executor.
func New(
	cfg Config,
	pool *sessions.Pool,
	extractor harvest.Extractor,
	jobs harvest.JobStore,
	records harvest.RecordStore,
	blobs harvest.BlobStore,
	limiter *ratelimit.Limiter,
	policy *retry.Policy,
	breaker *retry.Breaker,
	emitter harvest.Emitter,
	notifier harvest.Notifier,
	logger *zap.Logger,
) *Executor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:  cfg,
		pool: pool, extractor: extractor,
		jobs: jobs, records: records, blobs: blobs,
		limiter: limiter, policy: policy, breaker: breaker,
		emitter: emitter, notifier: notifier, logger: logger,
	}
}

// Run executes the job. The returned summary reflects whatever completed
// before a failure or cancellation; partial results stay persisted.
func (e *Executor) Run(ctx context.Context, job harvest.Job) (harvest.JobResultSummary, error) {
	var summary harvest.JobResultSummary

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return summary, harvest.ErrJobCancelled
		}
		return summary, fmt.Errorf("acquire session: %w", err)
	}
	defer lease.Release()

	pageURL, err := buildSearchURL(e.cfg.BaseURL, job.Filter)
	if err != nil {
		return summary, harvest.Errorf(harvest.ErrKindParsing, "build search url: %v", err)
	}

	log := e.logger.With(zap.String("job", job.ID))
	log.Info("run started", zap.String("url", pageURL))

	// Each run gets its own processor: the dedup seen-set and counters are
	// scoped to one job.
	proc := processor.New(log)
	storeDups := 0

	for page := 1; pageURL != "" && page <= e.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return summary, harvest.ErrJobCancelled
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return summary, harvest.ErrJobCancelled
		}
		if page > 1 {
			if err := e.limiter.RandomDelay(ctx, e.cfg.MinDelay, e.cfg.MaxDelay); err != nil {
				return summary, harvest.ErrJobCancelled
			}
		}

		fetchURL := pageURL
		result, attempts, err := retry.Do(ctx, e.policy, func(ctx context.Context) (harvest.ExtractResult, error) {
			return e.fetchPage(ctx, lease.Session, job.ID, fetchURL, page)
		})
		summary.Attempts += attempts
		if err != nil {
			if ctx.Err() != nil {
				return summary, harvest.ErrJobCancelled
			}
			return summary, fmt.Errorf("page %d: %w", page, err)
		}
		summary.PagesVisited++
		summary.RecordsFound += len(result.Records)

		// Safe point: records from this page are persisted before the next
		// fetch, so cancellation never loses them.
		batch := proc.ProcessBatch(job.ID, result.Records)
		summary.Warnings = batch.Stats.Warnings
		if len(batch.Successful) > 0 {
			saved, err := e.records.CreateRecordsIfAbsent(ctx, batch.Successful)
			if err != nil {
				return summary, fmt.Errorf("save records page %d: %w", page, err)
			}
			summary.RecordsSaved += saved
			storeDups += len(batch.Successful) - saved
			e.emitBatchSaved(job.ID, page, saved)
		}
		summary.Duplicates = batch.Stats.Duplicates + storeDups

		e.reportProgress(ctx, job.ID, page, result)

		if err := ctx.Err(); err != nil {
			return summary, harvest.ErrJobCancelled
		}

		pageURL = result.NextPageURL
		if pageURL == "" && result.TotalPages > result.CurrentPage {
			log.Warn("pagination ended early",
				zap.Int("current_page", result.CurrentPage),
				zap.Int("total_pages", result.TotalPages),
			)
		}
	}

	log.Info("run finished",
		zap.Int("pages", summary.PagesVisited),
		zap.Int("found", summary.RecordsFound),
		zap.Int("saved", summary.RecordsSaved),
	)
	return summary, nil
}

// fetchPage navigates and extracts one page. The breaker guards the
// navigation only: extraction failures are local, not a sign the target is
// down.
func (e *Executor) fetchPage(ctx context.Context, sess harvest.Session, jobID, pageURL string, page int) (harvest.ExtractResult, error) {
	var content string
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var nerr error
		content, nerr = sess.Navigate(ctx, pageURL)
		return nerr
	})
	if err != nil {
		return harvest.ExtractResult{}, fmt.Errorf("navigate %s: %w", pageURL, err)
	}

	e.snapshot(ctx, jobID, page, content)

	result, err := e.extractor.Extract(ctx, content, pageURL)
	if err != nil {
		return harvest.ExtractResult{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	return result, nil
}

// snapshot stores the raw page HTML. Failures are logged, never fatal.
func (e *Executor) snapshot(ctx context.Context, jobID string, page int, content string) {
	if !e.cfg.SnapshotPages || e.blobs == nil || content == "" {
		return
	}
	path := fmt.Sprintf("snapshots/%s/page-%03d.html", jobID, page)
	if _, err := e.blobs.PutObject(ctx, path, "text/html; charset=utf-8", strings.NewReader(content)); err != nil {
		e.logger.Warn("page snapshot failed",
			zap.String("job", jobID), zap.Int("page", page), zap.Error(err))
	}
}

// reportProgress writes progress to the store (which doubles as the
// liveness heartbeat) and pushes the update out.
func (e *Executor) reportProgress(ctx context.Context, jobID string, page int, result harvest.ExtractResult) {
	progress := 0
	switch {
	case result.TotalPages > 0:
		progress = page * 100 / result.TotalPages
	case result.NextPageURL == "":
		progress = 100
	default:
		progress = page * 100 / e.cfg.MaxPages
	}
	if progress > 100 {
		progress = 100
	}
	msg := fmt.Sprintf("page %d", page)
	if result.TotalPages > 0 {
		msg = fmt.Sprintf("page %d of %d", page, result.TotalPages)
	}

	status := harvest.JobStatusProcessing
	if err := e.jobs.UpdateJob(ctx, jobID, harvest.JobUpdate{
		Status:   &status,
		Progress: &progress,
		Message:  &msg,
	}); err != nil {
		e.logger.Warn("progress update failed", zap.String("job", jobID), zap.Error(err))
	}
	if e.notifier != nil {
		e.notifier.NotifyJobUpdate(ctx, harvest.JobUpdateNotice{
			JobID: jobID, Status: status, Progress: progress, Message: msg,
		})
	}
	if e.emitter != nil {
		e.emitter.Emit(harvest.Event{
			Type: harvest.EventJobProgress,
			Data: map[string]any{"job_id": jobID, "progress": progress, "message": msg},
		})
	}
}

func (e *Executor) emitBatchSaved(jobID string, page, saved int) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(harvest.Event{
		Type: harvest.EventRecordsBatch,
		Data: map[string]any{"job_id": jobID, "page": page, "saved": saved},
	})
}

// buildSearchURL appends filter values to the base search URL as query
// parameters. Encoding is deterministic (keys sorted by url.Values).
func buildSearchURL(base string, filter harvest.FilterSpec) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("base url must be absolute")
	}
	q := u.Query()
	for k, v := range filter {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
