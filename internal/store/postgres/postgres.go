// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizscout/harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbpool is the subset of pgxpool.Pool the stores use, mockable in tests.
type dbpool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvest.JobStore and harvest.RecordStore over Postgres.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//		id TEXT PRIMARY KEY,
//		filter JSONB NOT NULL,
//		priority INT NOT NULL,
//		status TEXT NOT NULL,
//		progress INT NOT NULL DEFAULT 0,
//		message TEXT NOT NULL DEFAULT '',
//		result JSONB,
//		error_text TEXT NOT NULL DEFAULT '',
//		created_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE listings (
//		listing_id TEXT PRIMARY KEY,
//		job_id TEXT NOT NULL,
//		title TEXT NOT NULL,
//		location TEXT NOT NULL,
//		asking_price BIGINT NOT NULL DEFAULT 0,
//		revenue BIGINT NOT NULL DEFAULT 0,
//		cash_flow BIGINT NOT NULL DEFAULT 0,
//		category TEXT NOT NULL DEFAULT '',
//		established INT,
//		listed_date TIMESTAMPTZ,
//		description TEXT NOT NULL DEFAULT '',
//		url TEXT NOT NULL DEFAULT '',
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Store struct {
	pool dbpool
	now  func() time.Time
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config, clock harvest.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newWithPool(pool, clock)
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbpool, clock harvest.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newWithPool(pool, clock)
}

func newWithPool(pool dbpool, clock harvest.Clock) (*Store, error) {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Store{pool: pool, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job harvest.Job) error {
	filterJSON, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	query := `
INSERT INTO jobs (
	id, filter, priority, status, progress, message, error_text,
	created_at, started_at, completed_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		filterJSON,
		int(job.Priority),
		string(job.Status),
		job.Progress,
		job.Message,
		job.ErrorText,
		job.Created,
		job.Started,
		job.Completed,
		job.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob applies the non-nil fields of the update and bumps updated_at.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update harvest.JobUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.Message != nil {
		add("message", *update.Message)
	}
	if update.Result != nil {
		resultJSON, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		add("result", resultJSON)
	}
	if update.ErrorText != nil {
		add("error_text", *update.ErrorText)
	}
	if update.Started != nil {
		add("started_at", *update.Started)
	}
	if update.Completed != nil {
		add("completed_at", *update.Completed)
	}
	add("updated_at", s.now())

	args = append(args, jobID)
	where := fmt.Sprintf("WHERE id = $%d", len(args))
	if update.Status != nil {
		// Terminal statuses are final: the row only moves when it is still
		// live or the write is an idempotent rewrite of the same status.
		args = append(args, string(*update.Status))
		where += fmt.Sprintf(" AND (status = $%d OR status NOT IN ('completed','failed','cancelled'))", len(args))
	}
	query := fmt.Sprintf("UPDATE jobs SET %s %s", strings.Join(sets, ", "), where)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if update.Status == nil {
			return harvest.ErrJobNotFound
		}
		// Zero rows with the guard in play: either the job is gone or it
		// already reached a terminal status.
		cur, ferr := s.FindJob(ctx, jobID)
		if ferr != nil {
			return ferr
		}
		if cur.Status.IsTerminal() {
			return harvest.ErrJobFinalized
		}
		return harvest.ErrJobNotFound
	}
	return nil
}

const jobColumns = `id, filter, priority, status, progress, message, result, error_text,
	created_at, started_at, completed_at, updated_at`

// FindJob fetches one job by ID.
func (s *Store) FindJob(ctx context.Context, jobID string) (harvest.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE id = $1", jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	if err != nil {
		return harvest.Job{}, fmt.Errorf("find job: %w", err)
	}
	return job, nil
}

// ListByStatus returns jobs in a given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status harvest.JobStatus) ([]harvest.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE status = $1 ORDER BY created_at", jobColumns)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// CountByStatus tallies jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[harvest.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[harvest.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return out, nil
}

// CreateRecordsIfAbsent inserts listings, skipping natural keys that already
// exist, and returns how many rows were actually written.
func (s *Store) CreateRecordsIfAbsent(ctx context.Context, listings []harvest.Listing) (int, error) {
	query := `
INSERT INTO listings (
	listing_id, job_id, title, location, asking_price, revenue, cash_flow,
	category, established, listed_date, description, url
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (listing_id) DO NOTHING`

	inserted := 0
	for _, l := range listings {
		tag, err := s.pool.Exec(ctx, query,
			l.ListingID,
			l.JobID,
			l.Title,
			l.Location,
			l.AskingPrice,
			l.Revenue,
			l.CashFlow,
			l.Category,
			nullableInt(l.Established),
			l.ListedDate,
			l.Description,
			l.URL,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert listing %s: %w", l.ListingID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListByJob returns the listings a given job produced, by natural key.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]harvest.Listing, error) {
	query := `
SELECT listing_id, job_id, title, location, asking_price, revenue, cash_flow,
	category, established, listed_date, description, url
FROM listings WHERE job_id = $1 ORDER BY listing_id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []harvest.Listing
	for rows.Next() {
		var l harvest.Listing
		var established *int
		if err := rows.Scan(
			&l.ListingID, &l.JobID, &l.Title, &l.Location,
			&l.AskingPrice, &l.Revenue, &l.CashFlow,
			&l.Category, &established, &l.ListedDate, &l.Description, &l.URL,
		); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		if established != nil {
			l.Established = *established
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return out, nil
}

// scanJob reads one job row from either a Row or Rows cursor.
func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job        harvest.Job
		filterJSON []byte
		resultJSON []byte
		priority   int
		status     string
	)
	if err := row.Scan(
		&job.ID, &filterJSON, &priority, &status, &job.Progress, &job.Message,
		&resultJSON, &job.ErrorText,
		&job.Created, &job.Started, &job.Completed, &job.Updated,
	); err != nil {
		return harvest.Job{}, err
	}
	job.Priority = harvest.Priority(priority)
	job.Status = harvest.JobStatus(status)
	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, &job.Filter); err != nil {
			return harvest.Job{}, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result harvest.JobResultSummary
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return harvest.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
