package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Middleware wraps every route, e.g. with panic capture.
type Middleware func(http.Handler) http.Handler

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	errs     ErrorSource
	queue    QueueSource
	queueCap int
	server   *http.Server
}

// NewServer creates a new health server. wrap may be nil.
func NewServer(errs ErrorSource, queue QueueSource, queueCap int, port int, wrap Middleware) *Server {
	mux := http.NewServeMux()
	s := &Server{
		errs:     errs,
		queue:    queue,
		queueCap: queueCap,
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/errors", s.handleErrors)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	if wrap != nil {
		handler = wrap(mux)
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	return s
}

// Handler returns the root handler, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := Evaluate(s.errs, s.queue, s.queueCap)
	w.Header().Set("Content-Type", "application/json")

	if report.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.errs.Records())
}
