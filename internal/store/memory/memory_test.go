package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizscout/harvester/internal/harvest"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()

	job := harvest.Job{
		ID:      "j1",
		Filter:  harvest.FilterSpec{"category": "restaurants"},
		Status:  harvest.JobStatusPending,
		Created: time.Now(),
		Updated: time.Now(),
	}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.FindJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusPending, got.Status)

	status := harvest.JobStatusProcessing
	progress := 40
	msg := "page 2 of 5"
	before := got.Updated
	require.NoError(t, store.UpdateJob(ctx, "j1", harvest.JobUpdate{
		Status:   &status,
		Progress: &progress,
		Message:  &msg,
	}))

	got, err = store.FindJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusProcessing, got.Status)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, "page 2 of 5", got.Message)
	require.False(t, got.Updated.Before(before))

	_, err = store.FindJob(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(ctx, "missing", harvest.JobUpdate{}), harvest.ErrJobNotFound)
}

func TestJobStoreKeepsTerminalStatus(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, harvest.Job{
		ID: "j1", Status: harvest.JobStatusProcessing, Created: time.Now(),
	}))

	failed := harvest.JobStatusFailed
	errText := "job j1 stalled: no progress update since 2026-03-01T11:45:00Z"
	require.NoError(t, store.UpdateJob(ctx, "j1", harvest.JobUpdate{
		Status: &failed, ErrorText: &errText,
	}))

	// A heartbeat from a run the reaper already failed must not resurrect
	// the job.
	processing := harvest.JobStatusProcessing
	progress := 40
	err := store.UpdateJob(ctx, "j1", harvest.JobUpdate{
		Status: &processing, Progress: &progress,
	})
	require.ErrorIs(t, err, harvest.ErrJobFinalized)

	got, err := store.FindJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, got.Status)
	require.Equal(t, errText, got.ErrorText)

	// Cross-terminal moves are conflicts too.
	completed := harvest.JobStatusCompleted
	require.ErrorIs(t,
		store.UpdateJob(ctx, "j1", harvest.JobUpdate{Status: &completed}),
		harvest.ErrJobFinalized)

	// Rewriting the same terminal status stays idempotent.
	require.NoError(t, store.UpdateJob(ctx, "j1", harvest.JobUpdate{Status: &failed}))
}

func TestJobStoreListAndCount(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	base := time.Now()

	mk := func(id string, status harvest.JobStatus, offset time.Duration) {
		require.NoError(t, store.CreateJob(ctx, harvest.Job{
			ID: id, Status: status, Created: base.Add(offset),
		}))
	}
	mk("a", harvest.JobStatusPending, 2*time.Second)
	mk("b", harvest.JobStatusPending, time.Second)
	mk("c", harvest.JobStatusCompleted, 0)

	pending, err := store.ListByStatus(ctx, harvest.JobStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "b", pending[0].ID, "oldest first")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[harvest.JobStatusPending])
	require.Equal(t, 1, counts[harvest.JobStatusCompleted])
}

func TestRecordStoreDedup(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()

	first := []harvest.Listing{
		{ListingID: "L1", JobID: "j1", Title: "Coffee Roaster"},
		{ListingID: "L2", JobID: "j1", Title: "Laundromat"},
	}
	n, err := store.CreateRecordsIfAbsent(ctx, first)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Same natural keys again, from a different job: nothing written.
	again := []harvest.Listing{
		{ListingID: "L1", JobID: "j2", Title: "Coffee Roaster"},
		{ListingID: "L3", JobID: "j2", Title: "Car Wash"},
	}
	n, err = store.CreateRecordsIfAbsent(ctx, again)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, store.Count())

	byJob, err := store.ListByJob(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, byJob, 2)
	require.Equal(t, "L1", byJob[0].ListingID)
}
