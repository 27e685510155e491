// Command stockyard is the Stockyard job queue server binary.
//
// Subcommands:
//
//	serve    — HTTP API plus the janitor; embedded workers when WORKER_ENABLED
//	worker   — standalone worker pool only (no HTTP server)
//	migrate  — run pending database migrations and exit
//	enqueue  — enqueue a single job from the command line
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/stockyardhq/stockyard/internal/api"
	"github.com/stockyardhq/stockyard/internal/config"
	"github.com/stockyardhq/stockyard/internal/queue"
	"github.com/stockyardhq/stockyard/internal/store"
	"github.com/stockyardhq/stockyard/internal/worker"
	"github.com/stockyardhq/stockyard/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "stockyard",
		Short: "Stockyard — durable job queue for marketplace background work",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the janitor, and embedded workers when enabled",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	svc := newQueueService(st, cfg)

	// The pool always runs under serve: even with no registered handlers it
	// carries the janitor, which escalates expired leases and prunes old
	// terminal jobs. Stand-in handlers are registered only when
	// WORKER_ENABLED; real deployments run external workers against
	// POST /api/v1/leases.
	pool := worker.New(svc, workerConfig(cfg))
	if cfg.WorkerEnabled {
		registerStubHandlers(pool, svc.Registry())
	}
	go pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	handler := api.NewServer(svc, st, cfg).Handler()

	// Explicit timeouts required to prevent Slowloris attacks. WriteTimeout
	// intentionally omitted; lease responses can carry large payload batches.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc := newQueueService(store.New(db), cfg)
	pool := worker.New(svc, workerConfig(cfg))
	registerStubHandlers(pool, svc.Registry())

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// registerStubHandlers wires a logging stand-in for every registered job
// type. Payload semantics live in the marketplace services that poll the
// lease API; the embedded pool covers single-binary deployments and local
// development, where watching the full lease/report cycle matters more
// than doing real work.
func registerStubHandlers(pool *worker.Pool, reg *queue.Registry) {
	for _, jobType := range reg.Types() {
		pool.Register(jobType, func(_ context.Context, payload json.RawMessage) error {
			slog.Info("job executed by stand-in handler",
				"type", jobType, "payload_len", len(payload))
			return nil
		})
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		jobType     string
		payload     string
		priority    int
		maxAttempts int
		at          string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a single job from the command line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			logger := newLogger(cfg)
			slog.SetDefault(logger)

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			var scheduleAt time.Time
			if at != "" {
				scheduleAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}

			svc := newQueueService(store.New(db), cfg)
			job, err := svc.Enqueue(cmd.Context(), queue.EnqueueParams{
				Type:        jobType,
				Payload:     json.RawMessage(payload),
				Priority:    priority,
				MaxAttempts: maxAttempts,
				ScheduleAt:  scheduleAt,
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			fmt.Println(job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "job type (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON object payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority among jobs due at the same instant")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override the type's attempt budget")
	cmd.Flags().StringVar(&at, "at", "", "schedule the first run at this RFC3339 time")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newQueueService builds the queue service with the default policy table
// and the configured lease/backoff tuning.
func newQueueService(st *store.Store, cfg *config.Config) *queue.Service {
	reg := queue.NewRegistry(queue.DefaultPolicies()...)
	return queue.NewService(st, reg, queue.ServiceConfig{
		LeaseDuration: cfg.LeaseDuration,
		MaxLeaseLimit: cfg.LeaseMaxLimit,
		BackoffBase:   cfg.BackoffBase,
	})
}

// workerConfig maps pool tuning from the environment config. Retention is
// disabled by leaving RetentionMaxAge zero.
func workerConfig(cfg *config.Config) worker.Config {
	wcfg := worker.Config{
		PollInterval:    cfg.WorkerPollInterval,
		BatchSize:       cfg.WorkerBatchSize,
		JanitorInterval: cfg.JanitorInterval,
		RetentionBatch:  cfg.RetentionBatchSize,
	}
	if cfg.RetentionEnabled {
		wcfg.RetentionMaxAge = cfg.RetentionMaxAge
	}
	return wcfg
}

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// statement timeout, and pool sizing applied.
//
// Retries up to 10 times with linear backoff to handle Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	// Pool sizing — DB_MAX_CONNS × instances must stay under the server-side
	// max_connections limit.
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is dangerously close to Postgres's server-side
	// max_connections limit. This prevents connection exhaustion when
	// multiple instances share the same Postgres server.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// misconfigured deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `stockyard migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
