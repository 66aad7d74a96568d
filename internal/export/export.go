// Package export renders a job's listings to CSV and stores the artifact in
// the blob store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
)

var csvHeader = []string{
	"listing_id", "job_id", "title", "location", "asking_price", "revenue",
	"cash_flow", "category", "established", "listed_date", "url",
}

// Exporter builds CSV exports for finished jobs.
type Exporter struct {
	jobs    harvest.JobStore
	records harvest.RecordStore
	blobs   harvest.BlobStore
	emitter harvest.Emitter
	clock   harvest.Clock
	logger  *zap.Logger
}

// New creates an Exporter.
func New(jobs harvest.JobStore, records harvest.RecordStore, blobs harvest.BlobStore, emitter harvest.Emitter, clock harvest.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		jobs: jobs, records: records, blobs: blobs,
		emitter: emitter, clock: clock, logger: logger,
	}
}

// ExportCSV writes the job's listings to the blob store and returns the
// artifact URI. Jobs still pending or processing are rejected; failed jobs
// export whatever partial results they persisted.
func (e *Exporter) ExportCSV(ctx context.Context, jobID string) (string, error) {
	job, err := e.jobs.FindJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.Status.IsTerminal() {
		return "", fmt.Errorf("job %s is %s; only finished jobs can be exported", jobID, job.Status)
	}

	e.emit(harvest.EventExportStarted, jobID, map[string]any{})

	listings, err := e.records.ListByJob(ctx, jobID)
	if err != nil {
		e.emit(harvest.EventExportFailed, jobID, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("list records: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	for _, l := range listings {
		if err := w.Write(csvRow(l)); err != nil {
			return "", fmt.Errorf("write csv row %s: %w", l.ListingID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	path := fmt.Sprintf("exports/%s/listings-%s.csv", jobID, e.clock.Now().UTC().Format("20060102T150405Z"))
	uri, err := e.blobs.PutObject(ctx, path, "text/csv", &buf)
	if err != nil {
		e.emit(harvest.EventExportFailed, jobID, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("store export: %w", err)
	}

	e.emit(harvest.EventExportCompleted, jobID, map[string]any{"uri": uri, "rows": len(listings)})
	e.logger.Info("export completed",
		zap.String("job", jobID), zap.String("uri", uri), zap.Int("rows", len(listings)))
	return uri, nil
}

func (e *Exporter) emit(t harvest.EventType, jobID string, data map[string]any) {
	if e.emitter == nil {
		return
	}
	data["job_id"] = jobID
	e.emitter.Emit(harvest.Event{Type: t, Data: data})
}

func csvRow(l harvest.Listing) []string {
	established := ""
	if l.Established > 0 {
		established = strconv.Itoa(l.Established)
	}
	listed := ""
	if l.ListedDate != nil {
		listed = l.ListedDate.UTC().Format(time.RFC3339)
	}
	return []string{
		l.ListingID,
		l.JobID,
		l.Title,
		l.Location,
		strconv.FormatInt(l.AskingPrice, 10),
		strconv.FormatInt(l.Revenue, 10),
		strconv.FormatInt(l.CashFlow, 10),
		l.Category,
		established,
		listed,
		l.URL,
	}
}
