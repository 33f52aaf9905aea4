// Package server exposes the operational HTTP surface: liveness, component
// status and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading_core/internal/core"
)

// OpsServer serves /health, /status and /metrics.
type OpsServer struct {
	port    int
	logger  core.Logger
	monitor core.HealthMonitor
	srv     *http.Server
}

// NewOpsServer creates the server. monitor may be nil, in which case /health
// always reports ok.
func NewOpsServer(port int, logger core.Logger, monitor core.HealthMonitor) *OpsServer {
	return &OpsServer{
		port:    port,
		logger:  logger.WithField("component", "ops_server"),
		monitor: monitor,
	}
}

// Start begins serving in the background.
func (s *OpsServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting ops server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *OpsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping ops server")
	return s.srv.Shutdown(ctx)
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	code := http.StatusOK
	if s.monitor != nil {
		payload["components"] = s.monitor.GetStatus()
		if !s.monitor.IsHealthy() {
			payload["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *OpsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	if s.monitor != nil {
		status = s.monitor.GetStatus()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
