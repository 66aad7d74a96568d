package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/bizscout/harvester/internal/blob/memory"
	"github.com/bizscout/harvester/internal/export"
	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/scheduler"
	"github.com/bizscout/harvester/internal/store/memory"
	"github.com/bizscout/harvester/internal/webhook"
)

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type idleRunner struct{}

func (idleRunner) Run(_ context.Context, _ harvest.Job) (harvest.JobResultSummary, error) {
	return harvest.JobResultSummary{}, nil
}

type fixture struct {
	server  *Server
	jobs    *memory.JobStore
	records *memory.RecordStore
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	jobs := memory.NewJobStore(realClock{})
	records := memory.NewRecordStore()
	blobs := blobmem.New()
	ids := &seqIDs{}
	hooks := webhook.New(webhook.Config{}, ids, realClock{}, nil, zap.NewNop())
	// The dispatcher loop is not running: submitted jobs stay pending, which
	// is all these handler tests need.
	sched := scheduler.New(scheduler.Config{}, jobs, idleRunner{}, hooks, nil, realClock{}, ids, zap.NewNop())
	exporter := export.New(jobs, records, blobs, hooks, realClock{}, zap.NewNop())
	return fixture{
		server:  NewServer(cfg, sched, jobs, records, hooks, exporter, zap.NewNop()),
		jobs:    jobs,
		records: records,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSubmitAndGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"filter":   map[string]any{"category": "restaurants", "max_price": 500000},
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[harvest.Job](t, rec)
	require.NotEmpty(t, job.ID)
	require.Equal(t, harvest.JobStatusPending, job.Status)
	require.Equal(t, harvest.PriorityHigh, job.Priority)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[harvest.Job](t, rec)
	require.Equal(t, job.ID, got.ID)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{"priority": "low"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"filter": map[string]any{"q": "bakery"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[harvest.Job](t, rec)

	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := f.jobs.FindJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, got.Status)

	// A second cancel conflicts; an unknown job 404s.
	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobRecordsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()
	ctx := context.Background()

	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{ID: "j1", Status: harvest.JobStatusCompleted}))
	_, err := f.records.CreateRecordsIfAbsent(ctx, []harvest.Listing{
		{ListingID: "L1", JobID: "j1", Title: "Coffee Roaster"},
	})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs/j1/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[map[string]any](t, rec)
	require.Len(t, payload["records"], 1)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/missing/records", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()
	ctx := context.Background()

	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{ID: "done", Status: harvest.JobStatusCompleted}))
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{ID: "running", Status: harvest.JobStatusProcessing}))

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/done/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[map[string]string](t, rec)
	require.Contains(t, payload["uri"], "mem://exports/done/")

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/running/export", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/missing/export", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpointCRUD(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/webhooks", map[string]any{
		"url":    "https://hooks.example.com/a",
		"events": []string{"job.completed", "job.failed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[webhook.Endpoint](t, rec)
	require.NotEmpty(t, created.Secret, "secret returned exactly once, at creation")
	require.True(t, created.Enabled)

	rec = doJSON(t, h, http.MethodGet, "/v1/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[webhook.Endpoint](t, rec)
	require.Empty(t, got.Secret)

	rec = doJSON(t, h, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), created.Secret)

	rec = doJSON(t, h, http.MethodPatch, "/v1/webhooks/"+created.ID, map[string]any{
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	patched := decode[webhook.Endpoint](t, rec)
	require.False(t, patched.Enabled)

	rec = doJSON(t, h, http.MethodDelete, "/v1/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/webhooks", map[string]any{
		"url": "not a url", "events": []string{"job.completed"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := f.server.Handler()
	ctx := context.Background()

	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{ID: "a", Status: harvest.JobStatusPending}))
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{ID: "b", Status: harvest.JobStatusCompleted}))

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[map[string]any](t, rec)
	jobs := payload["jobs"].(map[string]any)
	require.EqualValues(t, 1, jobs["pending"])
	require.EqualValues(t, 1, jobs["completed"])
	require.EqualValues(t, 0, payload["active_jobs"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{APIKey: "sekrit"})
	h := f.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
