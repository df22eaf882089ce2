package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/hub"
	"mindline-server/pkg/metrics"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
)

// Config holds the HTTP server configuration
type Config struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// DefaultConfig returns the default HTTP server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		EnableMetrics: true,
	}
}

// Server exposes the websocket endpoint, health and status probes, metrics
// and the standalone analysis API.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	registry *presence.Registry
	sessions *session.Manager
	analyzer *analysis.Analyzer
}

// NewServer creates the HTTP server and registers all endpoints
func NewServer(
	config *Config,
	eventHub *hub.Hub,
	registry *presence.Registry,
	sessions *session.Manager,
	analyzer *analysis.Analyzer,
	logger *logrus.Logger,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
		registry:  registry,
		sessions:  sessions,
		analyzer:  analyzer,
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("/health", server.healthHandler)
	mux.HandleFunc("/health/live", server.livenessHandler)
	mux.HandleFunc("/health/ready", server.readinessHandler)
	mux.HandleFunc("/status", server.statusHandler)
	mux.HandleFunc("/ws", eventHub.ServeWs)
	mux.HandleFunc("/api/analyze", server.analyzeHandler)

	if config.EnableMetrics {
		if promRegistry := metrics.GetRegistry(); promRegistry != nil {
			mux.Handle("/metrics", promhttp.HandlerFor(
				promRegistry,
				promhttp.HandlerOpts{
					EnableOpenMetrics: true,
					Registry:          promRegistry,
				},
			))
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		}
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"uptime":            time.Since(s.startTime).String(),
		"started_at":        s.startTime.Format(time.RFC3339),
		"connections":       s.registry.ConnectionCount(),
		"active_sessions":   s.sessions.ActiveCount(),
		"online_counselors": len(s.registry.OnlineCounselors()),
	})
}

// analyzeHandler runs a standalone analysis pass over posted text
func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	start := time.Now()
	result := s.analyzer.Analyze(request.Text)
	if metrics.IsMetricsEnabled() && metrics.AnalysisLatency != nil {
		metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
