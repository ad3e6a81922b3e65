// ABOUTME: HTTP server struct, constructor, and handler wiring.
// ABOUTME: The /jobs surface is a thin wrapper over the dispatcher.
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

	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/dispatch"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	dispatcher *dispatch.Dispatcher
	db         *pgxpool.Pool // nil in broker-only tests; healthz reports degraded
	cache      *cache.Cache  // nil disables the stats read-through
	cacheTTL   time.Duration
}

// NewServer creates a Server. db and c may be nil.
func NewServer(d *dispatch.Dispatcher, db *pgxpool.Pool, c *cache.Cache, cacheTTL time.Duration) *Server {
	return &Server{dispatcher: d, db: db, cache: c, cacheTTL: cacheTTL}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit — job payloads are small; protect against OOM.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.db))
	r.Handle("/metrics", promhttp.Handler())

	// ── Jobs API with huma (OpenAPI 3.1), mounted at the root so the
	// /jobs/... paths stay wire-stable ─────────────────────────────────────────
	humaConfig := huma.DefaultConfig("Admin Control API", "0.1.0")
	humaConfig.Info.Description = "Administrative job dispatch and status API"
	api := humachi.New(r, humaConfig)
	registerJobRoutes(api, srv)

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
