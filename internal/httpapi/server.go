package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatsFunc supplies the current orchestrator stats for /stats.
type StatsFunc func() any

// Server exposes the observability surface: JSON stats, liveness, and
// Prometheus metrics. It carries no business endpoints.
type Server struct {
	srv *http.Server
}

// New builds the server. gatherer may be nil, which disables /metrics.
func New(addr string, stats StatsFunc, gatherer prometheus.Gatherer) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats()); err != nil {
			log.Warn().Err(err).Msg("Failed to encode stats response")
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the configured router (tests use this directly).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown or failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("Starting observability server")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
