// Package harvest defines core types shared across subsystems.
package harvest

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders jobs within the pending queue. Higher dispatches first.
type Priority int

// Priority tiers, ordered.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String renders the tier name used in the API and logs.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a tier name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// FilterSpec is the caller-supplied search definition. The engine treats it
// as opaque beyond pass-through to the extraction collaborator.
type FilterSpec map[string]any

// JobResultSummary aggregates what a finished run produced.
type JobResultSummary struct {
	RecordsFound int `json:"records_found"`
	RecordsSaved int `json:"records_saved"`
	Duplicates   int `json:"duplicates"`
	Warnings     int `json:"warnings"`
	Attempts     int `json:"attempts"`
	PagesVisited int `json:"pages_visited"`
}

// Job represents the metadata persisted for each submitted extraction run.
type Job struct {
	ID        string            `json:"id"`
	Filter    FilterSpec        `json:"filter"`
	Priority  Priority          `json:"priority"`
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
	Result    *JobResultSummary `json:"result,omitempty"`
	ErrorText string            `json:"error_text,omitempty"`
	Created   time.Time         `json:"created_at"`
	Started   *time.Time        `json:"started_at,omitempty"`
	Completed *time.Time        `json:"completed_at,omitempty"`
	Updated   time.Time         `json:"updated_at"`
}

// JobUpdate carries the mutable fields of a job. Nil means "leave as is".
type JobUpdate struct {
	Status    *JobStatus
	Progress  *int
	Message   *string
	Result    *JobResultSummary
	ErrorText *string
	Started   *time.Time
	Completed *time.Time
}

// RawRecord is one unvalidated listing as produced by the extraction
// collaborator. All fields are raw strings straight off the page.
type RawRecord struct {
	ListingID   string `json:"listing_id"`
	Title       string `json:"title"`
	Location    string `json:"location"`
	AskingPrice string `json:"asking_price"`
	Revenue     string `json:"revenue"`
	CashFlow    string `json:"cash_flow"`
	Category    string `json:"category"`
	Established string `json:"established"`
	ListedDate  string `json:"listed_date"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Listing is the validated, canonical business entity. ListingID is the
// natural dedup key; the persistence layer upserts on it.
type Listing struct {
	ListingID   string     `json:"listing_id"`
	JobID       string     `json:"job_id"`
	Title       string     `json:"title"`
	Location    string     `json:"location"`
	AskingPrice int64      `json:"asking_price"`
	Revenue     int64      `json:"revenue"`
	CashFlow    int64      `json:"cash_flow"`
	Category    string     `json:"category"`
	Established int        `json:"established,omitempty"`
	ListedDate  *time.Time `json:"listed_date,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// ExtractResult is what the extraction collaborator returns for one page.
type ExtractResult struct {
	Records      []RawRecord `json:"records"`
	TotalResults int         `json:"total_results"`
	CurrentPage  int         `json:"current_page"`
	TotalPages   int         `json:"total_pages"`
	NextPageURL  string      `json:"next_page_url,omitempty"`
}

// EventType labels a lifecycle event for webhook fan-out.
type EventType string

// Lifecycle event types the webhook engine supports.
const (
	EventJobCreated      EventType = "job.created"
	EventJobStarted      EventType = "job.started"
	EventJobProgress     EventType = "job.progress"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobCancelled    EventType = "job.cancelled"
	EventRecordsBatch    EventType = "records.batch_saved"
	EventExportStarted   EventType = "export.started"
	EventExportCompleted EventType = "export.completed"
	EventExportFailed    EventType = "export.failed"
)

// Event is one lifecycle notification fanned out to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// JobUpdateNotice is pushed to the realtime collaborator on job changes.
type JobUpdateNotice struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// EncodeFilter renders a filter spec as canonical JSON for pass-through.
func EncodeFilter(f FilterSpec) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
