// ABOUTME: Queue service: validated enqueue, lease issue, and completion/failure handling.
// ABOUTME: Owns the retry/escalation decision; all state changes go through conditional store updates.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServiceConfig holds queue tuning parameters (sourced from config.Config).
type ServiceConfig struct {
	// LeaseDuration is the lease length for types without their own override.
	LeaseDuration time.Duration
	// MaxLeaseLimit caps how many jobs one lease call may claim.
	MaxLeaseLimit int
	// BackoffBase is the first retry delay; later retries double it.
	BackoffBase time.Duration
}

// Service coordinates the job lifecycle on top of a Store. It owns
// everything the store cannot decide alone: policy lookup and payload
// validation at enqueue, lease length resolution, and the
// retry-or-escalate decision when a failure comes in.
type Service struct {
	store    Store
	registry *Registry
	backoff  Backoff
	cfg      ServiceConfig
	log      *slog.Logger
}

// NewService creates a Service. Zero config fields fall back to safe defaults.
func NewService(st Store, reg *Registry, cfg ServiceConfig) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.MaxLeaseLimit <= 0 {
		cfg.MaxLeaseLimit = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	return &Service{
		store:    st,
		registry: reg,
		backoff:  Backoff{Base: cfg.BackoffBase},
		cfg:      cfg,
		log:      slog.Default(),
	}
}

// Registry exposes the job-type policy table.
func (s *Service) Registry() *Registry {
	return s.registry
}

// EnqueueParams describes one job submission.
type EnqueueParams struct {
	Type     string
	Payload  []byte
	Priority int
	// MaxAttempts overrides the policy default when >= 1.
	MaxAttempts int
	// ScheduleAt delays the first run. Zero or past means eligible now.
	ScheduleAt time.Time
}

// Enqueue validates p against the type's policy and persists a new queued
// job. The resolved attempt budget is frozen onto the record; later policy
// changes never affect it.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	policy, ok := s.registry.Lookup(p.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, p.Type)
	}
	if err := policy.ValidatePayload(p.Payload); err != nil {
		return nil, err
	}

	maxAttempts := policy.MaxAttempts
	if p.MaxAttempts >= 1 {
		maxAttempts = p.MaxAttempts
	}
	nextRunAt := p.ScheduleAt.UTC()
	if now := time.Now().UTC(); nextRunAt.Before(now) {
		nextRunAt = now
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	job, err := s.store.InsertJob(ctx, InsertJobParams{
		Type:        p.Type,
		Payload:     payload,
		Priority:    p.Priority,
		MaxAttempts: maxAttempts,
		NextRunAt:   nextRunAt,
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.log.InfoContext(ctx, "job enqueued",
		"job_id", job.ID, "type", job.Type, "priority", job.Priority, "next_run_at", job.NextRunAt)
	return job, nil
}

// LeaseParams describes one worker poll.
type LeaseParams struct {
	WorkerID string
	// Type restricts the lease to one job type. Empty leases across all types.
	Type string
	// Limit caps the batch. Values below 1 mean 1.
	Limit int
}

// Lease atomically claims up to p.Limit eligible jobs for p.WorkerID and
// returns them. Eligible means queued and due, or leased with an expired
// lease and attempts remaining; reclaiming an expired lease counts as a
// fresh attempt. An empty result is a normal poll outcome, not an error.
func (s *Service) Lease(ctx context.Context, p LeaseParams) ([]*Job, error) {
	if strings.TrimSpace(p.WorkerID) == "" {
		return nil, ErrMissingWorkerID
	}
	limit := p.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > s.cfg.MaxLeaseLimit {
		limit = s.cfg.MaxLeaseLimit
	}
	leaseFor := s.cfg.LeaseDuration
	if p.Type != "" {
		if policy, ok := s.registry.Lookup(p.Type); ok && policy.LeaseDuration > 0 {
			leaseFor = policy.LeaseDuration
		}
	}

	claimed, err := s.store.ClaimJobs(ctx, ClaimParams{
		WorkerID: p.WorkerID,
		Type:     p.Type,
		Limit:    limit,
		LeaseFor: leaseFor,
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(claimed))
	reclaimed := 0
	for i := range claimed {
		if claimed[i].Reclaimed {
			reclaimed++
		}
		jobs = append(jobs, &claimed[i].Job)
	}
	if len(jobs) > 0 {
		s.log.DebugContext(ctx, "jobs leased",
			"worker_id", p.WorkerID, "count", len(jobs), "reclaimed", reclaimed, "type", p.Type)
	}
	if reclaimed > 0 {
		s.log.InfoContext(ctx, "expired leases reclaimed", "count", reclaimed, "worker_id", p.WorkerID)
	}
	return jobs, nil
}

// ReportSuccess marks a leased job succeeded. The bool reports whether
// the transition applied: a report for a job that is no longer leased
// (already completed, requeued by a failure report, or cancelled) is a
// stale no-op and returns the job's current state with applied=false.
func (s *Service) ReportSuccess(ctx context.Context, id uuid.UUID) (*Job, bool, error) {
	job, err := s.store.CompleteJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("complete job: %w", err)
	}
	if job != nil {
		s.log.InfoContext(ctx, "job succeeded", "job_id", job.ID, "type", job.Type, "attempt", job.Attempt)
		return job, true, nil
	}
	return s.staleReport(ctx, id, "success")
}

// ReportFailure records a failed attempt for a leased job. While attempts
// remain the job is rescheduled with exponential backoff; once the budget
// is exhausted it moves to terminal failure. The bool reports whether the
// transition applied, with the same stale semantics as ReportSuccess.
func (s *Service) ReportFailure(ctx context.Context, id uuid.UUID, reason string) (*Job, bool, error) {
	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get job: %w", err)
	}
	if current == nil {
		return nil, false, ErrJobNotFound
	}
	if current.Status != StatusLeased {
		s.log.DebugContext(ctx, "stale failure report", "job_id", id, "status", current.Status)
		return current, false, nil
	}

	// The update below is guarded on the attempt observed here, so a
	// report racing a reclamation of the same job falls through to the
	// stale path instead of clobbering the new lease.
	delay, retryable := s.backoff.Delay(current.Attempt, current.MaxAttempts)
	var job *Job
	if retryable {
		job, err = s.store.RescheduleJob(ctx, id, current.Attempt, delay, reason)
		if err != nil {
			return nil, false, fmt.Errorf("reschedule job: %w", err)
		}
		if job != nil {
			s.log.WarnContext(ctx, "job attempt failed, retry scheduled",
				"job_id", job.ID, "type", job.Type, "attempt", current.Attempt,
				"max_attempts", job.MaxAttempts, "delay", delay, "reason", reason)
			return job, true, nil
		}
	} else {
		job, err = s.store.FailJobPermanently(ctx, id, current.Attempt, permanentReason(current.MaxAttempts, reason))
		if err != nil {
			return nil, false, fmt.Errorf("fail job: %w", err)
		}
		if job != nil {
			s.log.ErrorContext(ctx, "job failed permanently",
				"job_id", job.ID, "type", job.Type, "attempts", job.Attempt, "reason", reason)
			return job, true, nil
		}
	}
	return s.staleReport(ctx, id, "failure")
}

// Cancel moves a queued or leased job to cancelled. Reports against a
// cancelled job are discarded as stale. The bool reports whether the job
// was actually cancelled; already-terminal jobs come back unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Job, bool, error) {
	job, err := s.store.CancelJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}
	if job != nil {
		s.log.InfoContext(ctx, "job cancelled", "job_id", job.ID, "type", job.Type)
		return job, true, nil
	}
	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get job: %w", err)
	}
	if current == nil {
		return nil, false, ErrJobNotFound
	}
	return current, false, nil
}

// EscalateExpired moves leased jobs whose lease expired with no attempts
// left to terminal failure. Expired leases with budget remaining are left
// alone; the next claim reclaims them. Returns how many jobs escalated.
func (s *Service) EscalateExpired(ctx context.Context) (int, error) {
	escalated, err := s.store.FailExpiredExhausted(ctx)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	for _, e := range escalated {
		s.log.ErrorContext(ctx, "job failed permanently",
			"job_id", e.ID, "type", e.Type, "reason", "lease expired with no attempts left")
	}
	return len(escalated), nil
}

// PruneTerminal deletes up to limit terminal jobs untouched for longer
// than maxAge.
func (s *Service) PruneTerminal(ctx context.Context, maxAge time.Duration, limit int) (int64, error) {
	n, err := s.store.PruneTerminalJobs(ctx, maxAge, limit)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	if n > 0 {
		s.log.InfoContext(ctx, "pruned terminal jobs", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// Get returns the job with the given ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns jobs matching p, newest first.
func (s *Service) List(ctx context.Context, p ListJobsParams) ([]*Job, error) {
	jobs, err := s.store.ListJobs(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats is a point-in-time summary of queue depth. EligibleNow counts
// what a claim issued at the same instant could see; the by-status and
// by-type breakdowns cover every job still in the table.
type Stats struct {
	ByStatus    map[Status]int64
	ByType      []StatusCount
	EligibleNow int64
}

// Stats summarizes the queue for operators and dashboards.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	byStatus, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	byType, err := s.store.CountJobsByTypeStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	eligible, err := s.store.CountEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("count eligible: %w", err)
	}
	return &Stats{ByStatus: byStatus, ByType: byType, EligibleNow: eligible}, nil
}

// staleReport resolves the current state of a job whose conditional
// update matched nothing: either the job never existed, or another
// transition won the race and the report no-ops.
func (s *Service) staleReport(ctx context.Context, id uuid.UUID, kind string) (*Job, bool, error) {
	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get job: %w", err)
	}
	if current == nil {
		return nil, false, ErrJobNotFound
	}
	s.log.DebugContext(ctx, "stale completion report", "job_id", id, "kind", kind, "status", current.Status)
	return current, false, nil
}

// permanentReason formats the terminal failure reason recorded when a
// job exhausts its attempt budget.
func permanentReason(maxAttempts int, reason string) string {
	return fmt.Sprintf("Permanent failure after %d attempts: %s", maxAttempts, reason)
}
