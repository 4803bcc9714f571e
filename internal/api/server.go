// Package api is the HTTP surface for the task core: job submission, job
// status reads, health, and metrics. It is a thin layer over the producer —
// no broker or store types leak into handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/queue"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	producer *queue.Producer
	db       *pgxpool.Pool
	broker   broker.Broker
}

// NewServer creates a Server. db and b are used by /healthz only; either may
// be nil in tests, in which case healthz reports that component degraded.
func NewServer(p *queue.Producer, db *pgxpool.Pool, b broker.Broker) *Server {
	return &Server{producer: p, db: db, broker: b}
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
	// 1 MB global body limit — job payloads are small JSON documents.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(srv.db, srv.broker))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("EduTrack Tasks API", "0.1.0")
	humaConfig.Info.Description = "Background job submission and status API"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv.producer)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
	Broker string `json:"broker,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when both the DB and the broker
// are reachable, or 503 naming the unavailable component.
func healthzHandler(db *pgxpool.Pool, b broker.Broker) http.HandlerFunc {
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

		if b == nil {
			resp.Status = "degraded"
			resp.Broker = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := b.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: broker ping failed", "error", err)
			resp.Status = "degraded"
			resp.Broker = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
