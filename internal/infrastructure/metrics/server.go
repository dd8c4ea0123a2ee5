// Package metrics exposes the Prometheus scrape endpoint and the
// operator-facing reconciliation status view.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"trade_guard/internal/core"
	"trade_guard/internal/infrastructure/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource supplies the latest per-key reconciliation state
type StatusSource interface {
	Statuses() []core.ReconcileStatus
}

// Server handles Prometheus metrics export and the status endpoint
type Server struct {
	port   int
	source StatusSource
	health *health.Manager
	logger core.ILogger
	srv    *http.Server
}

// NewServer creates a new metrics server. source and healthMgr may be nil,
// in which case only /metrics is served.
func NewServer(port int, source StatusSource, healthMgr *health.Manager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		source: source,
		health: healthMgr,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.source != nil {
		mux.HandleFunc("/status", s.handleStatus)
	}
	if s.health != nil {
		mux.Handle("/healthz", s.health.Handler())
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusView struct {
		Key               string   `json:"key"`
		LastCheck         string   `json:"last_check"`
		LastError         string   `json:"last_error,omitempty"`
		OpenDiscrepancies []string `json:"open_discrepancies"`
		ActionCount       int      `json:"last_action_count"`
	}

	statuses := s.source.Statuses()
	views := make([]statusView, 0, len(statuses))
	for _, st := range statuses {
		v := statusView{
			Key:         st.Key.String(),
			LastCheck:   st.LastCheck.Format("2006-01-02T15:04:05Z07:00"),
			LastError:   st.LastError,
			ActionCount: len(st.LastActions),
		}
		for _, d := range st.OpenDiscrepancies {
			v.OpenDiscrepancies = append(v.OpenDiscrepancies, d.String())
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error("Failed to encode status response", "error", err)
	}
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
