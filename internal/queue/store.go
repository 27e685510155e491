// ABOUTME: Persistence contract the queue service runs against.
// ABOUTME: Every mutation is a single conditional update so concurrent callers race safely.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertJobParams carries a fully-validated job into the store. The
// service resolves policy defaults before building one; the store writes
// it verbatim.
type InsertJobParams struct {
	Type        string
	Payload     []byte
	Priority    int
	MaxAttempts int
	NextRunAt   time.Time
}

// ClaimParams selects which jobs a lease request may take.
type ClaimParams struct {
	WorkerID string
	// Type restricts the claim to one job type. Empty claims across all types.
	Type string
	// Limit caps how many jobs this call may lease.
	Limit int
	// LeaseFor is how long the granted leases remain exclusive.
	LeaseFor time.Duration
}

// ClaimedJob is one job returned by a claim. Reclaimed reports whether
// the claim took over an expired lease rather than a queued job.
type ClaimedJob struct {
	Job
	Reclaimed bool
}

// EscalatedJob identifies a job the janitor moved to terminal failure
// because its lease expired with no attempts left.
type EscalatedJob struct {
	ID   uuid.UUID
	Type string
}

// ListJobsParams controls filtering and keyset pagination for job listings.
// Results are ordered newest first; the cursor points at the last row of
// the previous page.
type ListJobsParams struct {
	// Status filters by lifecycle state. Empty means all states.
	Status Status
	// Type filters by job type. Empty means all types.
	Type string
	// CursorCreatedAt and CursorID bound the page: only rows strictly
	// older than (CursorCreatedAt, CursorID) are returned.
	CursorCreatedAt time.Time
	CursorID        uuid.UUID
	Limit           int
}

// StatusCount is one row of the per-type status breakdown.
type StatusCount struct {
	Type   string
	Status Status
	Count  int64
}

// Store defines the persistence contract for jobs.
//
// Mutations that depend on prior state (complete, reschedule, fail,
// cancel) are conditional updates: when the guard no longer holds they
// return no row rather than overwriting a concurrent transition. Lookups
// return (nil, nil) when no row matches.
type Store interface {
	// InsertJob persists a new queued job and returns it.
	InsertJob(ctx context.Context, p InsertJobParams) (*Job, error)

	// ClaimJobs atomically leases up to p.Limit eligible jobs for
	// p.WorkerID. Each claim increments the job's attempt counter and
	// stamps a fresh lease expiry. Jobs are taken oldest-eligible first,
	// higher priority winning among jobs due at the same instant. Two
	// concurrent claims never receive the same job.
	ClaimJobs(ctx context.Context, p ClaimParams) ([]ClaimedJob, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// CompleteJob marks a leased job succeeded. Returns (nil, nil) when
	// the job is not currently leased.
	CompleteJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// RescheduleJob returns a leased job to the queue with the given
	// failure reason, due again after delay. The attempt guard ensures a
	// report for a previous lease cannot reschedule the current one.
	RescheduleJob(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, reason string) (*Job, error)

	// FailJobPermanently moves a leased job to terminal failure with the
	// given reason, guarded by attempt like RescheduleJob.
	FailJobPermanently(ctx context.Context, id uuid.UUID, attempt int, reason string) (*Job, error)

	// CancelJob moves a queued or leased job to cancelled. Returns
	// (nil, nil) when the job is already terminal.
	CancelJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// FailExpiredExhausted sweeps leased jobs whose lease has expired with
	// no attempt budget left into terminal failure.
	FailExpiredExhausted(ctx context.Context) ([]EscalatedJob, error)

	// ListJobs returns jobs matching the filters, newest first.
	ListJobs(ctx context.Context, p ListJobsParams) ([]*Job, error)

	// CountJobsByStatus returns job counts grouped by lifecycle state.
	CountJobsByStatus(ctx context.Context) (map[Status]int64, error)

	// CountJobsByTypeStatus returns job counts grouped by type and state.
	CountJobsByTypeStatus(ctx context.Context) ([]StatusCount, error)

	// CountEligible returns how many jobs a claim issued now could see.
	CountEligible(ctx context.Context) (int64, error)

	// PruneTerminalJobs deletes up to limit terminal jobs untouched for
	// longer than maxAge, returning how many rows went away.
	PruneTerminalJobs(ctx context.Context, maxAge time.Duration, limit int) (int64, error)
}
