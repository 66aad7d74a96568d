package harvest

import (
	"context"
	"io"
	"time"
)

// JobStore persists job metadata and status transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	FindJob(ctx context.Context, jobID string) (Job, error)
	ListByStatus(ctx context.Context, status JobStatus) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// RecordStore persists canonical listings, idempotently keyed by listing id.
type RecordStore interface {
	// CreateRecordsIfAbsent inserts listings that are not already present and
	// returns how many rows were actually written.
	CreateRecordsIfAbsent(ctx context.Context, listings []Listing) (int, error)
	ListByJob(ctx context.Context, jobID string) ([]Listing, error)
}

// BlobStore writes raw artifacts (page snapshots, exports) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Extractor turns a rendered page into raw records plus pagination metadata.
// The orchestration core treats it as opaque.
type Extractor interface {
	Extract(ctx context.Context, pageContent string, pageURL string) (ExtractResult, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, pageContent string, pageURL string) (ExtractResult, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, pageContent string, pageURL string) (ExtractResult, error) {
	return f(ctx, pageContent, pageURL)
}

// Session is one reusable automation page owned by at most one task at a time.
type Session interface {
	// Navigate loads the URL and returns the rendered page content.
	Navigate(ctx context.Context, url string) (string, error)
	Close() error
}

// SessionFactory creates the sessions a pool instance hands out.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Notifier pushes fire-and-forget updates to the realtime push collaborator.
type Notifier interface {
	NotifyJobUpdate(ctx context.Context, notice JobUpdateNotice)
	NotifyDelivery(ctx context.Context, event Event)
}

// Emitter fans a lifecycle event out to webhook subscribers.
type Emitter interface {
	Emit(event Event)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job/delivery/endpoint IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
