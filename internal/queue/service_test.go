// ABOUTME: Integration tests for the queue service against a real Postgres store.
// ABOUTME: Covers enqueue validation, lease semantics, and the retry/escalation lifecycle.
package queue_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stockyardhq/stockyard/internal/queue"
	"github.com/stockyardhq/stockyard/internal/store"
	"github.com/stockyardhq/stockyard/internal/testutil"
)

func newTestService(t *testing.T) (*queue.Service, *store.Store) {
	t.Helper()
	st := testutil.NewTestDB(t)
	svc := queue.NewService(st, queue.NewRegistry(queue.DefaultPolicies()...), queue.ServiceConfig{
		LeaseDuration: time.Minute,
		MaxLeaseLimit: 10,
		BackoffBase:   time.Second,
	})
	return svc, st
}

// makeDue backdates a job's next_run_at so the next lease call sees it.
func makeDue(t *testing.T, st *store.Store, ctx context.Context, id uuid.UUID) {
	t.Helper()
	_, err := st.Pool().Exec(ctx,
		`UPDATE jobs SET next_run_at = now() - interval '1 second' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("makeDue(%v): %v", id, err)
	}
}

// expireLease backdates a job's lease so it reads as expired.
func expireLease(t *testing.T, st *store.Store, ctx context.Context, id uuid.UUID) {
	t.Helper()
	_, err := st.Pool().Exec(ctx,
		`UPDATE jobs SET lease_expires_at = now() - interval '2 seconds' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("expireLease(%v): %v", id, err)
	}
}

func mustEnqueue(t *testing.T, svc *queue.Service, ctx context.Context, p queue.EnqueueParams) *queue.Job {
	t.Helper()
	if p.Type == "" {
		p.Type = "thumbnail.create"
	}
	if len(p.Payload) == 0 {
		p.Payload = []byte(`{"assetId": "ast_1"}`)
	}
	job, err := svc.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func mustLeaseOne(t *testing.T, svc *queue.Service, ctx context.Context, workerID string) *queue.Job {
	t.Helper()
	jobs, err := svc.Lease(ctx, queue.LeaseParams{WorkerID: workerID, Limit: 1})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Lease returned %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, queue.EnqueueParams{Type: "video.frobnicate"})
	if !errors.Is(err, queue.ErrUnknownJobType) {
		t.Fatalf("unknown type error = %v, want ErrUnknownJobType", err)
	}

	_, err = svc.Enqueue(ctx, queue.EnqueueParams{
		Type:    "thumbnail.create",
		Payload: []byte(`{"width": 100}`),
	})
	if !errors.Is(err, queue.ErrInvalidPayload) {
		t.Fatalf("missing field error = %v, want ErrInvalidPayload", err)
	}

	// Nothing must be persisted by rejected submissions.
	counts, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(counts.ByStatus) != 0 {
		t.Fatalf("rejected enqueues persisted rows: %v", counts.ByStatus)
	}
}

func TestEnqueue_PolicyDefaultsAndOverride(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	byPolicy := mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	if byPolicy.MaxAttempts != 3 {
		t.Errorf("policy default max_attempts = %d, want 3", byPolicy.MaxAttempts)
	}

	overridden := mustEnqueue(t, svc, ctx, queue.EnqueueParams{MaxAttempts: 7})
	if overridden.MaxAttempts != 7 {
		t.Errorf("overridden max_attempts = %d, want 7", overridden.MaxAttempts)
	}
}

func TestEnqueue_PolicyFrozenAtCreation(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	if job.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d, want 3", job.MaxAttempts)
	}

	// A service built with a more generous policy sees the stored job
	// unchanged: the budget was frozen onto the record at enqueue time.
	generous := queue.NewService(st, queue.NewRegistry(
		queue.TypePolicy{Type: "thumbnail.create", MaxAttempts: 5, Required: []string{"assetId"}},
	), queue.ServiceConfig{
		LeaseDuration: time.Minute,
		MaxLeaseLimit: 10,
		BackoffBase:   time.Second,
	})

	got, err := generous.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MaxAttempts != 3 {
		t.Fatalf("max_attempts after policy change = %d, want 3", got.MaxAttempts)
	}

	for cycle := 1; cycle <= 3; cycle++ {
		leased := mustLeaseOne(t, generous, ctx, "w1")
		if leased.Attempt != cycle {
			t.Fatalf("cycle %d attempt = %d, want %d", cycle, leased.Attempt, cycle)
		}
		if _, _, err := generous.ReportFailure(ctx, job.ID, "no such asset"); err != nil {
			t.Fatalf("cycle %d failure: %v", cycle, err)
		}
		makeDue(t, st, ctx, job.ID)
	}

	// The frozen budget of 3 governs escalation, not the new policy's 5.
	final, err := generous.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != queue.StatusFailed {
		t.Fatalf("status after 3 failures = %q, want failed", final.Status)
	}
}

func TestEnqueue_ScheduleAt(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	scheduled := mustEnqueue(t, svc, ctx, queue.EnqueueParams{ScheduleAt: future})
	if got := scheduled.NextRunAt.Sub(future).Abs(); got > time.Second {
		t.Errorf("scheduled next_run_at off by %v", got)
	}

	// Past times clamp to now: the job is immediately eligible, never
	// ordered ahead of jobs that were already due.
	past := mustEnqueue(t, svc, ctx, queue.EnqueueParams{ScheduleAt: time.Now().UTC().Add(-time.Hour)})
	if time.Since(past.NextRunAt) > 5*time.Second {
		t.Errorf("past schedule not clamped: next_run_at = %v", past.NextRunAt)
	}
}

func TestLease_RequiresWorkerID(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Lease(ctx, queue.LeaseParams{WorkerID: "  "}); !errors.Is(err, queue.ErrMissingWorkerID) {
		t.Fatalf("blank worker error = %v, want ErrMissingWorkerID", err)
	}
}

func TestLease_EmptyPollAndLimitClamp(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	jobs, err := svc.Lease(ctx, queue.LeaseParams{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Lease on empty queue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("empty poll returned %d jobs", len(jobs))
	}

	for i := 0; i < 3; i++ {
		mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	}
	// Limit 0 means 1.
	jobs, err = svc.Lease(ctx, queue.LeaseParams{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("default limit leased %d jobs, want 1", len(jobs))
	}
	// Requests above MaxLeaseLimit are clamped, not rejected.
	jobs, err = svc.Lease(ctx, queue.LeaseParams{WorkerID: "w1", Limit: 500})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("clamped lease got %d jobs, want the remaining 2", len(jobs))
	}
}

func TestLease_TypePolicyLeaseDuration(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustEnqueue(t, svc, ctx, queue.EnqueueParams{
		Type:    "payout.execute",
		Payload: []byte(`{"payoutId": "po_1"}`),
	})
	jobs, err := svc.Lease(ctx, queue.LeaseParams{WorkerID: "payout-w", Type: "payout.execute", Limit: 1})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("leased %d jobs, want 1", len(jobs))
	}
	// payout.execute overrides the 1m default with a 5m lease.
	if jobs[0].LeaseExpiresAt == nil {
		t.Fatal("no lease expiry on leased job")
	}
	if until := time.Until(*jobs[0].LeaseExpiresAt); until < 4*time.Minute {
		t.Errorf("payout lease expires in %v, want ~5m", until)
	}
}

func TestReportSuccess(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	leased := mustLeaseOne(t, svc, ctx, "w1")

	done, applied, err := svc.ReportSuccess(ctx, leased.ID)
	if err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}
	if !applied || done.Status != queue.StatusSucceeded {
		t.Fatalf("ReportSuccess = (%+v, %v), want applied succeeded", done, applied)
	}

	// A second report is stale: current state comes back, nothing changes.
	again, applied, err := svc.ReportSuccess(ctx, job.ID)
	if err != nil {
		t.Fatalf("ReportSuccess repeat: %v", err)
	}
	if applied {
		t.Fatal("repeated success report must not apply")
	}
	if again.Status != queue.StatusSucceeded {
		t.Fatalf("repeat report state = %q, want succeeded", again.Status)
	}

	if _, _, err := svc.ReportSuccess(ctx, uuid.New()); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("missing job error = %v, want ErrJobNotFound", err)
	}
}

func TestReportFailure_SchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	leased := mustLeaseOne(t, svc, ctx, "w1")

	before := time.Now().UTC()
	job, applied, err := svc.ReportFailure(ctx, leased.ID, "cdn timeout")
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if !applied || job.Status != queue.StatusQueued {
		t.Fatalf("ReportFailure = (%+v, %v), want applied queued", job, applied)
	}
	if job.FailureReason == nil || *job.FailureReason != "cdn timeout" {
		t.Errorf("failure_reason = %v", job.FailureReason)
	}
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", job.Attempt)
	}
	// First retry waits base*2^0 plus at most 10% jitter.
	delay := job.NextRunAt.Sub(before)
	if delay < 900*time.Millisecond || delay > 2*time.Second {
		t.Errorf("retry delay = %v, want ~1s", delay)
	}
}

func TestReportFailure_EscalatesAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{MaxAttempts: 2})

	// Attempt 1 fails: retry scheduled.
	leased := mustLeaseOne(t, svc, ctx, "w1")
	if leased.Attempt != 1 {
		t.Fatalf("first lease attempt = %d, want 1", leased.Attempt)
	}
	if _, applied, err := svc.ReportFailure(ctx, job.ID, "flaky downstream"); err != nil || !applied {
		t.Fatalf("first failure = (applied=%v, err=%v)", applied, err)
	}
	makeDue(t, st, ctx, job.ID)

	// Attempt 2 fails: budget exhausted, terminal failure with the
	// canonical reason string.
	leased = mustLeaseOne(t, svc, ctx, "w2")
	if leased.Attempt != 2 {
		t.Fatalf("second lease attempt = %d, want 2", leased.Attempt)
	}
	failed, applied, err := svc.ReportFailure(ctx, job.ID, "flaky downstream")
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if !applied || failed.Status != queue.StatusFailed {
		t.Fatalf("final failure = (%+v, %v), want applied failed", failed, applied)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "Permanent failure after 2 attempts: flaky downstream" {
		t.Errorf("failure_reason = %v", failed.FailureReason)
	}

	// Terminal jobs never come back: a further lease sees nothing.
	jobs, err := svc.Lease(ctx, queue.LeaseParams{WorkerID: "w3", Limit: 10})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("leased %d jobs after terminal failure, want 0", len(jobs))
	}
}

func TestRetryLifecycle_DefaultPolicyToTerminal(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()

	// thumbnail.create carries a 3-attempt default; no override here.
	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{
		Type:    "thumbnail.create",
		Payload: []byte(`{"assetId": "a1"}`),
	})
	if job.MaxAttempts != 3 || job.Status != queue.StatusQueued {
		t.Fatalf("enqueued job = %+v, want queued with max_attempts 3", job)
	}

	// Two failing cycles reschedule.
	for cycle := 1; cycle <= 2; cycle++ {
		leased := mustLeaseOne(t, svc, ctx, "w1")
		if leased.Attempt != cycle {
			t.Fatalf("cycle %d lease attempt = %d, want %d", cycle, leased.Attempt, cycle)
		}
		requeued, applied, err := svc.ReportFailure(ctx, job.ID, "resize crashed")
		if err != nil || !applied {
			t.Fatalf("cycle %d failure = (applied=%v, err=%v)", cycle, applied, err)
		}
		if requeued.Status != queue.StatusQueued {
			t.Fatalf("cycle %d status = %q, want queued", cycle, requeued.Status)
		}
		makeDue(t, st, ctx, job.ID)
	}

	// The third cycle spends the last attempt.
	leased := mustLeaseOne(t, svc, ctx, "w1")
	if leased.Attempt != 3 {
		t.Fatalf("third lease attempt = %d, want 3", leased.Attempt)
	}
	failed, applied, err := svc.ReportFailure(ctx, job.ID, "resize crashed")
	if err != nil || !applied {
		t.Fatalf("final failure = (applied=%v, err=%v)", applied, err)
	}
	if failed.Status != queue.StatusFailed {
		t.Fatalf("final status = %q, want failed", failed.Status)
	}
	if failed.FailureReason == nil || !strings.Contains(*failed.FailureReason, "Permanent failure after 3 attempts") {
		t.Errorf("failure_reason = %v", failed.FailureReason)
	}
}

func TestReportFailure_StaleOnTerminalJob(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	leased := mustLeaseOne(t, svc, ctx, "w1")
	if _, _, err := svc.ReportSuccess(ctx, leased.ID); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}

	got, applied, err := svc.ReportFailure(ctx, job.ID, "late failure")
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if applied {
		t.Fatal("failure report against succeeded job must not apply")
	}
	if got.Status != queue.StatusSucceeded {
		t.Fatalf("state after stale failure = %q, want succeeded", got.Status)
	}
	if _, _, err := svc.ReportFailure(ctx, uuid.New(), "x"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("missing job error = %v, want ErrJobNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	cancelled, applied, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !applied || cancelled.Status != queue.StatusCancelled {
		t.Fatalf("Cancel = (%+v, %v), want applied cancelled", cancelled, applied)
	}

	// Cancel on terminal: no-op, current state returned.
	again, applied, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel repeat: %v", err)
	}
	if applied || again.Status != queue.StatusCancelled {
		t.Fatalf("repeat Cancel = (%+v, %v), want no-op", again, applied)
	}

	if _, _, err := svc.Cancel(ctx, uuid.New()); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("missing job error = %v, want ErrJobNotFound", err)
	}
}

func TestEscalateExpired(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()

	job := mustEnqueue(t, svc, ctx, queue.EnqueueParams{MaxAttempts: 1})
	mustLeaseOne(t, svc, ctx, "w1")
	expireLease(t, st, ctx, job.ID)

	n, err := svc.EscalateExpired(ctx)
	if err != nil {
		t.Fatalf("EscalateExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated %d jobs, want 1", n)
	}

	failed, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failed.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want failed", failed.Status)
	}
	if failed.FailureReason == nil || !strings.Contains(*failed.FailureReason, "lease expired") {
		t.Errorf("failure_reason = %v", failed.FailureReason)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustEnqueue(t, svc, ctx, queue.EnqueueParams{})
	mustEnqueue(t, svc, ctx, queue.EnqueueParams{ScheduleAt: time.Now().UTC().Add(time.Hour)})
	mustLeaseOne(t, svc, ctx, "w1")

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[queue.StatusQueued] != 1 || stats.ByStatus[queue.StatusLeased] != 1 {
		t.Fatalf("ByStatus = %v", stats.ByStatus)
	}
	// The scheduled job is not yet eligible and the leased one is held.
	if stats.EligibleNow != 0 {
		t.Fatalf("EligibleNow = %d, want 0", stats.EligibleNow)
	}
	if len(stats.ByType) == 0 {
		t.Fatal("ByType empty")
	}
}
