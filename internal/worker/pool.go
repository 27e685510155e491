package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockyardhq/stockyard/internal/queue"
)

// Config tunes the pool. Zero values fall back to the listed defaults.
type Config struct {
	// PollInterval is how often each type goroutine leases a new batch.
	// Default 2s.
	PollInterval time.Duration
	// BatchSize is the lease limit per poll. Default 10.
	BatchSize int
	// JanitorInterval is how often expired leases are escalated and old
	// terminal jobs pruned. Default 1m.
	JanitorInterval time.Duration
	// RetentionMaxAge is how long terminal jobs are kept. Zero disables
	// pruning.
	RetentionMaxAge time.Duration
	// RetentionBatch caps how many terminal jobs one janitor tick deletes.
	// Default 1000.
	RetentionBatch int
}

// Pool manages a set of goroutine workers that lease and execute jobs via
// the queue service. One polling goroutine runs per registered job type; a
// shared janitor goroutine handles lease escalation and retention.
type Pool struct {
	svc      *queue.Service
	cfg      Config
	workerID string
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Pool backed by svc. A random workerID is generated at
// construction time to distinguish this process in the worker_id column.
func New(svc *queue.Service, cfg Config) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if cfg.RetentionBatch <= 0 {
		cfg.RetentionBatch = 1000
	}
	return &Pool{
		svc:      svc,
		cfg:      cfg,
		workerID: uuid.New().String(),
		handlers: make(map[string]Handler),
	}
}

// WorkerID returns the identifier this pool leases under.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Register associates h with the named job type. Must be called before Start.
func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Start launches one polling goroutine per registered job type plus the
// janitor goroutine, then blocks until ctx is cancelled. When ctx is
// cancelled, all goroutines stop leasing new jobs, any in-flight job
// completes, and Start returns after all goroutines have exited.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup

	for _, t := range types {
		wg.Add(1)
		go func(jobType string) {
			defer wg.Done()
			p.runType(ctx, jobType)
		}(t)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runJanitor(ctx)
	}()

	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// runType polls for jobs of one type until ctx is cancelled. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runType(ctx context.Context, jobType string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("worker loop started", "type", jobType, "worker_id", p.workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker loop stopping", "type", jobType)
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx, jobType); err != nil {
				slog.Error("lease jobs error", "type", jobType, "error", err)
			}
		}
	}
}

// RunOnce leases one batch of the given type and executes it synchronously,
// returning how many jobs were executed. An empty lease is a normal result.
// Execution stops between jobs once ctx is cancelled; unstarted leases are
// left to expire and be reclaimed.
func (p *Pool) RunOnce(ctx context.Context, jobType string) (int, error) {
	jobs, err := p.svc.Lease(ctx, queue.LeaseParams{
		WorkerID: p.workerID,
		Type:     jobType,
		Limit:    p.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	h := p.handlers[jobType]
	p.mu.RUnlock()

	if h == nil && len(jobs) > 0 {
		slog.Error("no handler registered for type",
			"type", jobType, "leased", len(jobs))
		return 0, nil
	}

	executed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			slog.Info("shutdown with leased jobs pending",
				"type", jobType, "pending", len(jobs)-executed)
			return executed, nil
		}
		p.execute(ctx, h, job)
		executed++
	}
	return executed, nil
}

// execute runs h for one leased job and reports the outcome. The handler
// context is capped at the lease expiry so a hung handler cannot outlive
// its lease and race the next holder.
func (p *Pool) execute(ctx context.Context, h Handler, job *queue.Job) {
	slog.Info("executing job",
		"type", job.Type, "job_id", job.ID, "attempt", job.Attempt)

	execCtx := ctx
	if job.LeaseExpiresAt != nil {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(ctx, *job.LeaseExpiresAt)
		defer cancel()
	}

	if err := h(execCtx, job.Payload); err != nil {
		slog.Error("job handler failed",
			"type", job.Type, "job_id", job.ID, "error", err)
		_, applied, repErr := p.svc.ReportFailure(ctx, job.ID, err.Error())
		if repErr != nil {
			slog.Error("report failure error", "job_id", job.ID, "error", repErr)
			return
		}
		if !applied {
			slog.Warn("failure report was stale", "job_id", job.ID)
		}
		return
	}

	_, applied, err := p.svc.ReportSuccess(ctx, job.ID)
	if err != nil {
		slog.Error("report success error", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		slog.Warn("success report was stale, lease was lost", "job_id", job.ID)
		return
	}
	slog.Info("job completed", "type", job.Type, "job_id", job.ID)
}

// runJanitor periodically escalates expired exhausted leases to terminal
// failure and prunes aged-out terminal jobs. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (p *Pool) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	slog.Info("janitor started",
		"interval", p.cfg.JanitorInterval, "retention", p.cfg.RetentionMaxAge)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			p.JanitorOnce(ctx)
		}
	}
}

// JanitorOnce runs a single escalation plus retention pass.
func (p *Pool) JanitorOnce(ctx context.Context) {
	if _, err := p.svc.EscalateExpired(ctx); err != nil {
		slog.Error("escalate expired leases error", "error", err)
	}

	if p.cfg.RetentionMaxAge <= 0 {
		return
	}
	n, err := p.svc.PruneTerminal(ctx, p.cfg.RetentionMaxAge, p.cfg.RetentionBatch)
	if err != nil {
		slog.Error("prune terminal jobs error", "error", err)
		return
	}
	if n > 0 {
		slog.Info("pruned terminal jobs", "count", n)
	}
}
