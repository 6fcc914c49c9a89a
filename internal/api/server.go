// ABOUTME: Operational HTTP surface for a running worker: /healthz and Prometheus /metrics.
// ABOUTME: Served beside the worker by `pueuey work` when METRICS_ADDR is set.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// probeTimeout bounds a single /healthz database probe.
const probeTimeout = 3 * time.Second

// Server holds what the ops endpoints report on.
type Server struct {
	gatherer prometheus.Gatherer
	probe    func(ctx context.Context) error // nil: no database to check
	state    func() string                   // nil: worker state not reported
}

// Option configures a Server.
type Option func(*Server)

// WithProbe sets the database reachability check run by /healthz.
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(s *Server) { s.probe = probe }
}

// WithWorkerState reports the worker's current state on /healthz.
func WithWorkerState(state func() string) Option {
	return func(s *Server) { s.state = state }
}

// NewServer creates a Server exposing the collectors in gatherer. A nil
// gatherer means prometheus.DefaultGatherer.
func NewServer(gatherer prometheus.Gatherer, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{gatherer: gatherer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
	Worker string `json:"worker,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the probe passes, or 503
// {"status":"degraded","db":"unavailable"} when it does not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if srv.probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		if err := srv.probe(ctx); err != nil {
			slog.WarnContext(r.Context(), "healthz: db probe failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}
	if srv.state != nil {
		resp.Worker = srv.state()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
	}
}

// ListenAndServe serves srv on addr until ctx is cancelled, then shuts the
// listener down gracefully.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
