// ABOUTME: Store methods for the jobs table: enqueue, claim, report, sweep, introspect.
// ABOUTME: Claims use FOR UPDATE SKIP LOCKED; reports are conditional updates guarded on status and attempt.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stockyardhq/stockyard/internal/queue"
)

// jobColumns is the canonical SELECT/RETURNING list. scanJob must stay in
// the same order.
const jobColumns = `id, job_type, payload, priority, status, attempt, max_attempts,
    next_run_at, lease_expires_at, worker_id, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one jobs row in jobColumns order.
func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	var status string
	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Priority, &status, &j.Attempt, &j.MaxAttempts,
		&j.NextRunAt, &j.LeaseExpiresAt, &j.WorkerID, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	return &j, nil
}

const insertJobSQL = `
INSERT INTO jobs (job_type, payload, priority, max_attempts, next_run_at)
VALUES ($1::text, $2::jsonb, $3::int, $4::int, $5::timestamptz)
RETURNING ` + jobColumns

// InsertJob persists a new queued job and returns the stored record.
func (s *Store) InsertJob(ctx context.Context, p queue.InsertJobParams) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, insertJobSQL,
		p.Type,
		string(p.Payload),
		p.Priority,
		p.MaxAttempts,
		p.NextRunAt,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// claimJobsSQL leases a batch in one statement. The inner SELECT picks
// eligible rows in claim order and locks them with SKIP LOCKED so
// concurrent claimers pass over each other's rows instead of blocking;
// the outer UPDATE stamps the lease. Eligible means due-and-queued, or
// leased with an expired lease and attempt budget left. Reclaiming an
// expired lease counts as a fresh attempt, hence the attempt guard: rows
// already at their ceiling are the janitor's to escalate, not ours.
const claimJobsSQL = `
UPDATE jobs j SET
    status           = 'leased',
    worker_id        = $1::text,
    attempt          = j.attempt + 1,
    lease_expires_at = now() + ($2::bigint * interval '1 millisecond'),
    failure_reason   = NULL,
    updated_at       = now()
FROM (
    SELECT id, (status = 'leased') AS reclaimed
    FROM jobs
    WHERE ((status = 'queued' AND next_run_at <= now())
        OR (status = 'leased' AND lease_expires_at <= now() AND attempt < max_attempts))
      AND ($3::text IS NULL OR job_type = $3::text)
    ORDER BY next_run_at, priority DESC, created_at
    LIMIT $4::int
    FOR UPDATE SKIP LOCKED
) AS eligible
WHERE j.id = eligible.id
RETURNING j.id, j.job_type, j.payload, j.priority, j.status, j.attempt, j.max_attempts,
    j.next_run_at, j.lease_expires_at, j.worker_id, j.failure_reason, j.created_at, j.updated_at,
    eligible.reclaimed`

// ClaimJobs atomically leases up to p.Limit eligible jobs for p.WorkerID.
// Returns an empty slice when nothing is eligible.
func (s *Store) ClaimJobs(ctx context.Context, p queue.ClaimParams) ([]queue.ClaimedJob, error) {
	var jobType *string
	if p.Type != "" {
		jobType = &p.Type
	}
	rows, err := s.pool.Query(ctx, claimJobsSQL,
		p.WorkerID,
		p.LeaseFor.Milliseconds(),
		jobType,
		p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []queue.ClaimedJob
	for rows.Next() {
		var cj queue.ClaimedJob
		var status string
		err := rows.Scan(
			&cj.ID, &cj.Type, &cj.Payload, &cj.Priority, &status, &cj.Attempt, &cj.MaxAttempts,
			&cj.NextRunAt, &cj.LeaseExpiresAt, &cj.WorkerID, &cj.FailureReason, &cj.CreatedAt, &cj.UpdatedAt,
			&cj.Reclaimed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		cj.Status = queue.Status(status)
		claimed = append(claimed, cj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

const getJobSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1::uuid`

// GetJob retrieves a job by ID. Returns (nil, nil) when no row exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, getJobSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// completeJobSQL only matches while the job is leased, so a success
// report that lost its lease to reclamation (or races a cancel) matches
// nothing and the caller sees the stale outcome.
const completeJobSQL = `
UPDATE jobs SET
    status           = 'succeeded',
    lease_expires_at = NULL,
    updated_at       = now()
WHERE id = $1::uuid AND status = 'leased'
RETURNING ` + jobColumns

// CompleteJob marks a leased job succeeded. Returns (nil, nil) when the
// job is not currently leased.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, completeJobSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// rescheduleJobSQL returns a failed attempt to the queue with a backoff
// delay. The attempt guard pins the update to the lease the reporter
// held: if the lease expired and someone else reclaimed the job, attempt
// has moved on and this matches nothing.
const rescheduleJobSQL = `
UPDATE jobs SET
    status           = 'queued',
    next_run_at      = now() + ($2::bigint * interval '1 millisecond'),
    failure_reason   = $3::text,
    worker_id        = NULL,
    lease_expires_at = NULL,
    updated_at       = now()
WHERE id = $1::uuid AND status = 'leased' AND attempt = $4::int
RETURNING ` + jobColumns

// RescheduleJob returns a leased job to the queue, due again after delay.
// Returns (nil, nil) when the job is no longer leased with that attempt.
func (s *Store) RescheduleJob(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, reason string) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, rescheduleJobSQL, id, delay.Milliseconds(), reason, attempt)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reschedule job: %w", err)
	}
	return job, nil
}

// failJobSQL moves a leased job to terminal failure, guarded like
// rescheduleJobSQL. worker_id is kept so the record shows who held the
// final attempt.
const failJobSQL = `
UPDATE jobs SET
    status           = 'failed',
    failure_reason   = $2::text,
    lease_expires_at = NULL,
    updated_at       = now()
WHERE id = $1::uuid AND status = 'leased' AND attempt = $3::int
RETURNING ` + jobColumns

// FailJobPermanently moves a leased job to terminal failure. Returns
// (nil, nil) when the job is no longer leased with that attempt.
func (s *Store) FailJobPermanently(ctx context.Context, id uuid.UUID, attempt int, reason string) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, failJobSQL, id, reason, attempt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// cancelJobSQL only matches non-terminal rows; cancelling a terminal job
// is a no-op surfaced to the caller as no row.
const cancelJobSQL = `
UPDATE jobs SET
    status           = 'cancelled',
    lease_expires_at = NULL,
    updated_at       = now()
WHERE id = $1::uuid AND status IN ('queued', 'leased')
RETURNING ` + jobColumns

// CancelJob moves a queued or leased job to cancelled. Returns (nil, nil)
// when the job is missing or already terminal.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, cancelJobSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

// failExpiredSQL sweeps leased rows whose lease expired with the attempt
// budget already spent. Claims skip these rows (attempt guard), so
// without this sweep they would sit leased forever.
const failExpiredSQL = `
UPDATE jobs SET
    status           = 'failed',
    failure_reason   = 'Permanent failure after ' || max_attempts || ' attempts: lease expired',
    lease_expires_at = NULL,
    updated_at       = now()
WHERE status = 'leased' AND lease_expires_at <= now() AND attempt >= max_attempts
RETURNING id, job_type`

// FailExpiredExhausted moves expired leases with no attempts left to
// terminal failure and reports which jobs escalated.
func (s *Store) FailExpiredExhausted(ctx context.Context) ([]queue.EscalatedJob, error) {
	rows, err := s.pool.Query(ctx, failExpiredSQL)
	if err != nil {
		return nil, fmt.Errorf("fail expired jobs: %w", err)
	}
	defer rows.Close()

	var escalated []queue.EscalatedJob
	for rows.Next() {
		var e queue.EscalatedJob
		if err := rows.Scan(&e.ID, &e.Type); err != nil {
			return nil, fmt.Errorf("scan escalated job: %w", err)
		}
		escalated = append(escalated, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail expired jobs: %w", err)
	}
	return escalated, nil
}

// listJobsSQL pages newest-first with a (created_at, id) keyset cursor;
// a NULL cursor means the first page.
const listJobsSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE ($1::text = '' OR status = $1::text)
  AND ($2::text = '' OR job_type = $2::text)
  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3::timestamptz, $4::uuid))
ORDER BY created_at DESC, id DESC
LIMIT $5::int`

// ListJobs returns jobs matching the filters, newest first.
func (s *Store) ListJobs(ctx context.Context, p queue.ListJobsParams) ([]*queue.Job, error) {
	limit := p.Limit
	if limit < 1 {
		limit = 50
	}
	var cursorAt *time.Time
	var cursorID *uuid.UUID
	if !p.CursorCreatedAt.IsZero() {
		cursorAt = &p.CursorCreatedAt
		cursorID = &p.CursorID
	}
	rows, err := s.pool.Query(ctx, listJobsSQL, string(p.Status), p.Type, cursorAt, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*queue.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

const countByStatusSQL = `SELECT status, count(*) FROM jobs GROUP BY status`

// CountJobsByStatus returns job counts grouped by lifecycle state.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[queue.Status]int64, error) {
	rows, err := s.pool.Query(ctx, countByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[queue.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[queue.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	return counts, nil
}

const countByTypeStatusSQL = `
SELECT job_type, status, count(*)
FROM jobs
GROUP BY job_type, status
ORDER BY job_type, status`

// CountJobsByTypeStatus returns job counts grouped by type and state.
func (s *Store) CountJobsByTypeStatus(ctx context.Context) ([]queue.StatusCount, error) {
	rows, err := s.pool.Query(ctx, countByTypeStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("count jobs by type: %w", err)
	}
	defer rows.Close()

	var counts []queue.StatusCount
	for rows.Next() {
		var c queue.StatusCount
		var status string
		if err := rows.Scan(&c.Type, &status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		c.Status = queue.Status(status)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by type: %w", err)
	}
	return counts, nil
}

// countEligibleSQL mirrors the eligibility predicate of claimJobsSQL so
// the stats endpoint reports exactly what a claim issued now could see.
const countEligibleSQL = `
SELECT count(*)
FROM jobs
WHERE (status = 'queued' AND next_run_at <= now())
   OR (status = 'leased' AND lease_expires_at <= now() AND attempt < max_attempts)`

// CountEligible returns how many jobs a claim issued now could see.
func (s *Store) CountEligible(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countEligibleSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count eligible jobs: %w", err)
	}
	return n, nil
}

// pruneJobsSQL deletes in bounded batches so retention never takes a
// long-running lock over the whole table.
const pruneJobsSQL = `
DELETE FROM jobs
WHERE id IN (
    SELECT id FROM jobs
    WHERE status IN ('succeeded', 'failed', 'cancelled')
      AND updated_at < now() - ($1::bigint * interval '1 second')
    LIMIT $2::int
)`

// PruneTerminalJobs deletes up to limit terminal jobs untouched for
// longer than maxAge. Returns how many rows were deleted.
func (s *Store) PruneTerminalJobs(ctx context.Context, maxAge time.Duration, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, pruneJobsSQL, int64(maxAge.Seconds()), limit)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
