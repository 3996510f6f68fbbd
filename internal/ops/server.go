// Package ops exposes the operational HTTP surface: Prometheus metrics and
// a liveness/health endpoint.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the snapshot reported by /healthz.
type Health struct {
	Status             string `json:"status"`
	SMTPRunning        bool   `json:"smtpRunning"`
	ActiveConnections  int64  `json:"activeConnections"`
	PendingTasks       int    `json:"pendingTasks"`
	PendingAttachments int    `json:"pendingAttachments"`
}

// HealthSource supplies the live numbers behind /healthz.
type HealthSource interface {
	Health() Health
}

// Server is the ops HTTP listener.
type Server struct {
	http *http.Server
	log  *slog.Logger
}

// New builds the ops server on the given port.
func New(port int, source HealthSource, log *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(source),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func newRouter(source HealthSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		health := source.Health()
		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return r
}

// Start serves in a goroutine; listener errors other than a clean close are
// logged, never fatal.
func (s *Server) Start() {
	go func() {
		s.log.Info("ops server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ops server failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("ops server shutdown error", slog.String("error", err.Error()))
	}
}
