// Package processor cleans, validates and deduplicates raw extracted records
// into canonical listings, tracking batch statistics.
package processor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// Stats are running counters for one processing run. Resettable.
type Stats struct {
	TotalProcessed int `json:"total_processed"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Warnings       int `json:"warnings"`
	Duplicates     int `json:"duplicates"`
}

// Result is the outcome of processing a single raw record.
type Result struct {
	Listing   *harvest.Listing
	Errors    []string
	Warnings  []string
	Duplicate bool
}

// OK reports whether the record produced a canonical listing.
func (r Result) OK() bool { return r.Listing != nil }

// BatchResult aggregates one ProcessBatch call.
type BatchResult struct {
	Successful []harvest.Listing
	Failed     []Result
	Stats      Stats
}

// Processor runs the per-record pipeline. The seen-set spans one run; call
// Reset between runs.
type Processor struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	stats  Stats
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Processor.
func New(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		seen:   make(map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Process runs one raw record through dedup, cleaning, validation and
// plausibility checks.
func (p *Processor) Process(jobID string, raw harvest.RawRecord) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processLocked(jobID, raw)
}

// ProcessBatch processes records in order (dedup is order-sensitive) and
// partitions the outcomes.
func (p *Processor) ProcessBatch(jobID string, raws []harvest.RawRecord) BatchResult {
	p.mu.Lock()
	results := lo.Map(raws, func(raw harvest.RawRecord, _ int) Result {
		return p.processLocked(jobID, raw)
	})
	stats := p.stats
	p.mu.Unlock()

	ok, failed := lo.FilterReject(results, func(r Result, _ int) bool { return r.OK() })
	return BatchResult{
		Successful: lo.Map(ok, func(r Result, _ int) harvest.Listing { return *r.Listing }),
		Failed:     failed,
		Stats:      stats,
	}
}

// Stats returns a copy of the running counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Reset clears the seen-set and counters between runs.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
	p.stats = Stats{}
}

// processLocked is the pipeline body. Caller holds the lock.
func (p *Processor) processLocked(jobID string, raw harvest.RawRecord) Result {
	p.stats.TotalProcessed++

	key := strings.TrimSpace(raw.ListingID)
	if key != "" {
		if _, dup := p.seen[key]; dup {
			p.stats.Duplicates++
			telemetry.ObserveRecord("duplicate")
			return Result{Duplicate: true}
		}
	}

	listing, errs, warnings := p.clean(jobID, raw)
	if len(errs) > 0 {
		p.stats.Failed++
		telemetry.ObserveRecord("failed")
		p.logger.Debug("record rejected",
			zap.String("job_id", jobID),
			zap.String("listing_id", key),
			zap.Strings("errors", errs),
		)
		return Result{Errors: errs, Warnings: warnings}
	}

	p.seen[key] = struct{}{}
	p.stats.Successful++
	telemetry.ObserveRecord("saved")
	if len(warnings) > 0 {
		p.stats.Warnings += len(warnings)
		telemetry.ObserveRecord("warning")
	}
	return Result{Listing: listing, Warnings: warnings}
}

// clean normalizes fields, validates required ones and emits plausibility
// warnings for suspicious-but-valid values.
func (p *Processor) clean(jobID string, raw harvest.RawRecord) (*harvest.Listing, []string, []string) {
	var errs, warnings []string

	title := strings.Join(strings.Fields(raw.Title), " ")
	key := strings.TrimSpace(raw.ListingID)
	location := strings.Join(strings.Fields(raw.Location), " ")

	if title == "" {
		errs = append(errs, "missing title")
	}
	if key == "" {
		errs = append(errs, "missing listing id")
	}
	if location == "" {
		errs = append(errs, "missing location")
	}

	price := parseMoney(raw.AskingPrice)
	revenue := parseMoney(raw.Revenue)
	cashFlow := parseMoney(raw.CashFlow)

	if price > 0 && revenue > 0 && price > revenue*50 {
		warnings = append(warnings, "asking price far exceeds revenue")
	}
	if cashFlow > 0 && revenue > 0 && cashFlow > revenue {
		warnings = append(warnings, "cash flow exceeds revenue")
	}

	established := 0
	if s := strings.TrimSpace(raw.Established); s != "" {
		if year, err := strconv.Atoi(s); err == nil {
			established = year
			if year < 1800 || year > p.now().Year() {
				warnings = append(warnings, fmt.Sprintf("implausible founding year %d", year))
			}
		} else {
			warnings = append(warnings, fmt.Sprintf("unparseable founding year %q", s))
		}
	}

	listed := parseDate(raw.ListedDate)

	if len(errs) > 0 {
		return nil, errs, lo.Uniq(warnings)
	}
	return &harvest.Listing{
		ListingID:   key,
		JobID:       jobID,
		Title:       title,
		Location:    location,
		AskingPrice: price,
		Revenue:     revenue,
		CashFlow:    cashFlow,
		Category:    canonicalCategory(raw.Category),
		Established: established,
		ListedDate:  listed,
		Description: strings.TrimSpace(raw.Description),
		URL:         strings.TrimSpace(raw.URL),
	}, nil, lo.Uniq(warnings)
}

// parseMoney strips currency formatting and returns whole units. Unparseable
// or empty input yields zero.
func parseMoney(s string) int64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "n/a" {
		return 0
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "m"):
		multiplier = 1_000_000
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1_000
		s = strings.TrimSuffix(s, "k")
	}
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return int64(f * float64(multiplier))
}

// dateFormats are tried in order; the first match wins.
var dateFormats = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// categoryAliases maps the site's category labels to canonical names.
var categoryAliases = map[string]string{
	"restaurants":          "food_and_beverage",
	"restaurants & food":   "food_and_beverage",
	"food & beverage":      "food_and_beverage",
	"bars & taverns":       "food_and_beverage",
	"ecommerce":            "online_retail",
	"e-commerce":           "online_retail",
	"online businesses":    "online_retail",
	"internet businesses":  "online_retail",
	"manufacturing":        "manufacturing",
	"wholesale":            "wholesale_distribution",
	"distribution":         "wholesale_distribution",
	"services":             "services",
	"service businesses":   "services",
	"retail":               "retail",
	"automotive":           "automotive",
	"construction":         "construction",
	"health care":          "healthcare",
	"healthcare & fitness": "healthcare",
}

func canonicalCategory(s string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if norm == "" {
		return "uncategorized"
	}
	if canon, ok := categoryAliases[norm]; ok {
		return canon
	}
	return strings.ReplaceAll(norm, " ", "_")
}
