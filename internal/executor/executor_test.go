package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/ratelimit"
	"github.com/bizscout/harvester/internal/retry"
	"github.com/bizscout/harvester/internal/sessions"
	"github.com/bizscout/harvester/internal/store/memory"
)

// scriptedSession fails Navigate a configured number of times before
// succeeding, to exercise the retry path.
type scriptedSession struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failWith  error
}

func (s *scriptedSession) Navigate(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return "", s.failWith
	}
	return "<html>" + url + "</html>", nil
}

func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) navigations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type singleSessionFactory struct {
	session harvest.Session
}

func (f *singleSessionFactory) NewInstance(_ context.Context) (sessions.Instance, error) {
	return f, nil
}

func (f *singleSessionFactory) NewSession(_ context.Context) (harvest.Session, error) {
	return f.session, nil
}

func (f *singleSessionFactory) Close() error { return nil }

func newTestPool(t *testing.T, sess harvest.Session) *sessions.Pool {
	t.Helper()
	p, err := sessions.New(context.Background(), sessions.Config{Instances: 1, SessionsPerInstance: 1},
		&singleSessionFactory{session: sess}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// pagedExtractor serves a fixed set of pages keyed by page number parsed
// from the records it hands back.
func pagedExtractor(pages [][]harvest.RawRecord) harvest.ExtractorFunc {
	page := 0
	var mu sync.Mutex
	return func(_ context.Context, _ string, _ string) (harvest.ExtractResult, error) {
		mu.Lock()
		defer mu.Unlock()
		page++
		res := harvest.ExtractResult{
			Records:     pages[page-1],
			CurrentPage: page,
			TotalPages:  len(pages),
		}
		if page < len(pages) {
			res.NextPageURL = fmt.Sprintf("https://target.example.com/search?page=%d", page+1)
		}
		return res, nil
	}
}

func rawRecord(id string) harvest.RawRecord {
	return harvest.RawRecord{
		ListingID:   id,
		Title:       "Business " + id,
		Location:    "Austin, TX",
		AskingPrice: "$250,000",
		Revenue:     "$400,000",
	}
}

type fakeBlob struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlob) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

func newExecutor(t *testing.T, cfg Config, pool *sessions.Pool, ex harvest.Extractor, jobs harvest.JobStore, records harvest.RecordStore, blobs harvest.BlobStore) *Executor {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://target.example.com/search"
	}
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 1000, Window: time.Second})
	policy := retry.NewPolicy(retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	breaker := retry.NewBreaker(retry.BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Millisecond})
	return New(cfg, pool, ex, jobs, records, blobs, limiter, policy, breaker, nil, nil, zap.NewNop())
}

func TestRunPaginatesAndPersists(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{}
	pool := newTestPool(t, sess)
	jobs := memory.NewJobStore(nil)
	records := memory.NewRecordStore()
	blobs := &fakeBlob{}
	ex := pagedExtractor([][]harvest.RawRecord{
		{rawRecord("L1"), rawRecord("L2")},
		{rawRecord("L3"), rawRecord("L1")}, // L1 repeats across pages
	})

	e := newExecutor(t, Config{SnapshotPages: true}, pool, ex, jobs, records, blobs)
	ctx := context.Background()
	job := harvest.Job{ID: "j1", Filter: harvest.FilterSpec{"category": "restaurants"}}
	require.NoError(t, jobs.CreateJob(ctx, job))

	summary, err := e.Run(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 2, summary.PagesVisited)
	require.Equal(t, 4, summary.RecordsFound)
	require.Equal(t, 3, summary.RecordsSaved)
	require.Equal(t, 1, summary.Duplicates)
	require.Equal(t, 2, summary.Attempts)
	require.Equal(t, 3, records.Count())

	// Progress heartbeat landed in the store.
	got, err := jobs.FindJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
	require.Contains(t, got.Message, "page 2 of 2")

	// One snapshot per page.
	blobs.mu.Lock()
	defer blobs.mu.Unlock()
	require.Equal(t, []string{
		"snapshots/j1/page-001.html",
		"snapshots/j1/page-002.html",
	}, blobs.paths)

	// Session leased and released.
	require.Equal(t, 0, pool.InUse())
}

func TestRunRetriesTransientNavigationFailures(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{
		failFirst: 2,
		failWith:  harvest.Errorf(harvest.ErrKindNetwork, "connection reset"),
	}
	pool := newTestPool(t, sess)
	jobs := memory.NewJobStore(nil)
	records := memory.NewRecordStore()
	ex := pagedExtractor([][]harvest.RawRecord{{rawRecord("L1")}})

	e := newExecutor(t, Config{}, pool, ex, jobs, records, nil)
	job := harvest.Job{ID: "j1", Filter: harvest.FilterSpec{"q": "bakery"}}
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	summary, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Attempts, "two failures plus the success")
	require.Equal(t, 3, sess.navigations())
	require.Equal(t, 1, summary.RecordsSaved)
}

func TestRunFailsFastOnNonRetryableError(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{
		failFirst: 100,
		failWith:  harvest.Errorf(harvest.ErrKindCaptcha, "captcha challenge served"),
	}
	pool := newTestPool(t, sess)
	jobs := memory.NewJobStore(nil)
	records := memory.NewRecordStore()
	ex := pagedExtractor([][]harvest.RawRecord{{rawRecord("L1")}})

	e := newExecutor(t, Config{}, pool, ex, jobs, records, nil)
	job := harvest.Job{ID: "j1", Filter: harvest.FilterSpec{"q": "bakery"}}
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	summary, err := e.Run(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, harvest.ErrKindCaptcha, harvest.Classify(err))
	require.Equal(t, 1, summary.Attempts)
	require.Equal(t, 1, sess.navigations())
	require.Equal(t, 0, pool.InUse())
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	sess := &scriptedSession{
		failFirst: 100,
		failWith:  harvest.Errorf(harvest.ErrKindTimeout, "navigation timeout"),
	}
	pool := newTestPool(t, sess)
	jobs := memory.NewJobStore(nil)
	records := memory.NewRecordStore()
	ex := pagedExtractor([][]harvest.RawRecord{{rawRecord("L1")}})

	e := newExecutor(t, Config{}, pool, ex, jobs, records, nil)
	job := harvest.Job{ID: "j1", Filter: harvest.FilterSpec{"q": "bakery"}}
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	summary, err := e.Run(context.Background(), job)
	require.Error(t, err)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, summary.Attempts, "initial attempt plus three retries")
}

func TestRunStopsAtSafePointOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &scriptedSession{}
	pool := newTestPool(t, sess)
	jobs := memory.NewJobStore(nil)
	records := memory.NewRecordStore()

	// Cancel after the first page extracted; the second page must never run.
	pages := pagedExtractor([][]harvest.RawRecord{
		{rawRecord("L1")},
		{rawRecord("L2")},
	})
	ex := harvest.ExtractorFunc(func(ctx context.Context, content, url string) (harvest.ExtractResult, error) {
		res, err := pages.Extract(ctx, content, url)
		cancel()
		return res, err
	})

	e := newExecutor(t, Config{}, pool, ex, jobs, records, nil)
	job := harvest.Job{ID: "j1", Filter: harvest.FilterSpec{"q": "bakery"}}
	require.NoError(t, jobs.CreateJob(ctx, job))

	summary, err := e.Run(ctx, job)
	require.ErrorIs(t, err, harvest.ErrJobCancelled)
	require.Equal(t, 1, summary.PagesVisited)
	require.Equal(t, 1, summary.RecordsSaved, "page one records persisted before the stop")
	require.Equal(t, 1, sess.navigations())
	require.Equal(t, 0, pool.InUse())
}

func TestBuildSearchURL(t *testing.T) {
	t.Parallel()

	got, err := buildSearchURL("https://target.example.com/search", harvest.FilterSpec{
		"category":  "restaurants",
		"max_price": 500000,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "https://target.example.com/search?"))
	require.Contains(t, got, "category=restaurants")
	require.Contains(t, got, "max_price=500000")

	_, err = buildSearchURL("/relative", harvest.FilterSpec{"q": "x"})
	require.Error(t, err)

	_, err = buildSearchURL("://bad", harvest.FilterSpec{"q": "x"})
	require.Error(t, err)
}
