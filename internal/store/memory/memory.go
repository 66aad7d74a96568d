// Package memory provides in-memory store implementations, used for tests
// and single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bizscout/harvester/internal/harvest"
)

// JobStore keeps jobs in a map guarded by a mutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]harvest.Job
	now  func() time.Time
}

// NewJobStore creates an empty JobStore.
func NewJobStore(clock harvest.Clock) *JobStore {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &JobStore{jobs: make(map[string]harvest.Job), now: now}
}

// CreateJob implements harvest.JobStore.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies the non-nil fields of the update and bumps Updated.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update harvest.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.ErrJobNotFound
	}
	if update.Status != nil {
		// Terminal statuses are final; a rewrite to the same status stays
		// idempotent, anything else is a conflict.
		if job.Status.IsTerminal() && *update.Status != job.Status {
			return harvest.ErrJobFinalized
		}
		job.Status = *update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.Message != nil {
		job.Message = *update.Message
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.ErrorText != nil {
		job.ErrorText = *update.ErrorText
	}
	if update.Started != nil {
		job.Started = update.Started
	}
	if update.Completed != nil {
		job.Completed = update.Completed
	}
	job.Updated = s.now()
	s.jobs[jobID] = job
	return nil
}

// FindJob implements harvest.JobStore.
func (s *JobStore) FindJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	return job, nil
}

// ListByStatus returns jobs in a given status, oldest first.
func (s *JobStore) ListByStatus(_ context.Context, status harvest.JobStatus) ([]harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// CountByStatus tallies jobs per status.
func (s *JobStore) CountByStatus(_ context.Context) (map[harvest.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[harvest.JobStatus]int)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

// RecordStore keeps listings keyed by their natural listing ID.
type RecordStore struct {
	mu       sync.RWMutex
	listings map[string]harvest.Listing
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{listings: make(map[string]harvest.Listing)}
}

// CreateRecordsIfAbsent inserts listings not already present and reports
// how many were actually written.
func (s *RecordStore) CreateRecordsIfAbsent(_ context.Context, listings []harvest.Listing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, l := range listings {
		if _, exists := s.listings[l.ListingID]; exists {
			continue
		}
		s.listings[l.ListingID] = l
		inserted++
	}
	return inserted, nil
}

// ListByJob returns the listings a given job produced.
func (s *RecordStore) ListByJob(_ context.Context, jobID string) ([]harvest.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Listing
	for _, l := range s.listings {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

// Count reports the total listings held.
func (s *RecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}
