package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
)

func validRaw(id string) harvest.RawRecord {
	return harvest.RawRecord{
		ListingID:   id,
		Title:       "  Coin Laundry   &  Dry Cleaner ",
		Location:    "Austin, TX",
		AskingPrice: "$450,000",
		Revenue:     "$600,000",
		CashFlow:    "$120,000",
		Category:    "Service Businesses",
		Established: "2012",
		ListedDate:  "2024-03-15",
		URL:         "https://example.com/listing/1",
	}
}

func TestProcessCleansAndNormalizes(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())
	res := p.Process("job-1", validRaw("L-1"))
	require.True(t, res.OK())
	require.Empty(t, res.Warnings)

	l := res.Listing
	require.Equal(t, "Coin Laundry & Dry Cleaner", l.Title)
	require.Equal(t, int64(450_000), l.AskingPrice)
	require.Equal(t, int64(600_000), l.Revenue)
	require.Equal(t, int64(120_000), l.CashFlow)
	require.Equal(t, "services", l.Category)
	require.Equal(t, 2012, l.Established)
	require.NotNil(t, l.ListedDate)
	require.Equal(t, time.March, l.ListedDate.Month())
	require.Equal(t, "job-1", l.JobID)
}

func TestProcessDuplicateWithinRun(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())
	batch := p.ProcessBatch("job-1", []harvest.RawRecord{validRaw("L-1"), validRaw("L-1")})

	require.Len(t, batch.Successful, 1)
	require.Len(t, batch.Failed, 1)
	require.True(t, batch.Failed[0].Duplicate)
	require.Equal(t, 1, batch.Stats.Successful)
	require.Equal(t, 1, batch.Stats.Duplicates)
	require.Equal(t, 2, batch.Stats.TotalProcessed)
}

func TestProcessMissingRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*harvest.RawRecord)
		want   string
	}{
		{"no title", func(r *harvest.RawRecord) { r.Title = "  " }, "missing title"},
		{"no key", func(r *harvest.RawRecord) { r.ListingID = "" }, "missing listing id"},
		{"no location", func(r *harvest.RawRecord) { r.Location = "" }, "missing location"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := New(zap.NewNop())
			raw := validRaw("L-1")
			tc.mutate(&raw)
			res := p.Process("job-1", raw)
			require.False(t, res.OK())
			require.Contains(t, res.Errors, tc.want)
		})
	}
}

func TestProcessPlausibilityWarnings(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())

	raw := validRaw("L-2")
	raw.AskingPrice = "$90,000,000"
	raw.Revenue = "$100,000"
	res := p.Process("job-1", raw)
	require.True(t, res.OK())
	require.Contains(t, res.Warnings, "asking price far exceeds revenue")

	raw = validRaw("L-3")
	raw.CashFlow = "$700,000"
	raw.Revenue = "$600,000"
	res = p.Process("job-1", raw)
	require.True(t, res.OK())
	require.Contains(t, res.Warnings, "cash flow exceeds revenue")

	raw = validRaw("L-4")
	raw.Established = "1699"
	res = p.Process("job-1", raw)
	require.True(t, res.OK())
	require.Contains(t, res.Warnings, "implausible founding year 1699")
}

func TestProcessStatsAndReset(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())
	p.Process("job-1", validRaw("L-1"))
	p.Process("job-1", validRaw("L-1"))
	bad := validRaw("L-2")
	bad.Title = ""
	p.Process("job-1", bad)

	stats := p.Stats()
	require.Equal(t, 3, stats.TotalProcessed)
	require.Equal(t, 1, stats.Successful)
	require.Equal(t, 1, stats.Duplicates)
	require.Equal(t, 1, stats.Failed)

	p.Reset()
	require.Zero(t, p.Stats().TotalProcessed)

	// After reset the same key is fresh again.
	res := p.Process("job-2", validRaw("L-1"))
	require.True(t, res.OK())
}

func TestParseMoney(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"$1,200,000", 1_200_000},
		{"450000", 450_000},
		{"$1.2M", 1_200_000},
		{"500k", 500_000},
		{"", 0},
		{"N/A", 0},
		{"call for price", 0},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			require.Equal(t, tc.want, parseMoney(tc.in))
		})
	}
}

func TestParseDateFallbacks(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"2024-03-15", "03/15/2024", "March 15, 2024", "Mar 15, 2024"} {
		got := parseDate(in)
		require.NotNil(t, got, "input %q", in)
		require.Equal(t, 2024, got.Year(), "input %q", in)
	}
	require.Nil(t, parseDate("yesterday"))
	require.Nil(t, parseDate(""))
}

func TestCanonicalCategory(t *testing.T) {
	t.Parallel()

	require.Equal(t, "food_and_beverage", canonicalCategory("Restaurants & Food"))
	require.Equal(t, "online_retail", canonicalCategory("E-Commerce"))
	require.Equal(t, "uncategorized", canonicalCategory("  "))
	require.Equal(t, "pet_grooming", canonicalCategory("Pet  Grooming"))
}
