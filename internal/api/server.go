// ABOUTME: HTTP server struct, constructor, and handler wiring for stockyard.
// ABOUTME: Mounts the huma queue API at /api/v1 plus /healthz and /metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/stockyardhq/stockyard/internal/config"
	"github.com/stockyardhq/stockyard/internal/queue"
	"github.com/stockyardhq/stockyard/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	svc         *queue.Service
	store       *store.Store
	cfg         *config.Config
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server wired to the queue service and store.
func NewServer(svc *queue.Service, st *store.Store, cfg *config.Config) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMin := cfg.CancelRatePerMinute
	if perMin <= 0 {
		perMin = 10
	}
	rl := newIPRateLimiter(rate.Limit(float64(perMin)/60), perMin, evictTTL)
	return &Server{
		svc:         svc,
		store:       st,
		cfg:         cfg,
		rateLimiter: rl,
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — job payloads are small JSON documents; anything
	// bigger belongs in object storage with a reference in the payload.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("Stockyard API", "0.1.0")
	humaConfig.Info.Description = "Durable job queue for marketplace background work"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)

	// ── Admin cancel (chi, not huma, for the per-IP rate limit middleware) ───
	apiRouter.With(srv.cancelRateLimit()).Post("/jobs/{id}/cancel", srv.cancelJobHandler)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
