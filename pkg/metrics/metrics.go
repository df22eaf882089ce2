package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Connection metrics
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec
	EventsReceived       *prometheus.CounterVec
	EventsDropped        *prometheus.CounterVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	MessagesAppended *prometheus.CounterVec

	// Analysis metrics
	AnalysisLatency  prometheus.Histogram
	CrisisDetections *prometheus.CounterVec

	// Conversation metrics
	ResponsesGenerated  *prometheus.CounterVec
	GenerativeLatency   prometheus.Histogram
	GenerativeFallbacks *prometheus.CounterVec

	// Call metrics
	CallsInitiated *prometheus.CounterVec
	CallRoomsOpen  prometheus.Gauge
	SignalsRelayed prometheus.Counter

	// Alert metrics
	AlertsPublished      *prometheus.CounterVec
	AMQPConnectionStatus prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ConnectionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindline_connections_active",
				Help: "Number of live client connections",
			},
		)

		ConnectionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_connections_total",
				Help: "Total number of client connections accepted",
			},
			[]string{"role"},
		)

		EventsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_events_received_total",
				Help: "Total number of inbound client events",
			},
			[]string{"event"},
		)

		EventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_events_dropped_total",
				Help: "Total number of outbound events dropped on slow clients",
			},
			[]string{"event"},
		)

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindline_sessions_active",
				Help: "Number of active conversation sessions",
			},
		)

		SessionsStarted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mindline_sessions_started_total",
				Help: "Total number of conversation sessions started",
			},
		)

		SessionsEnded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_sessions_ended_total",
				Help: "Total number of conversation sessions ended",
			},
			[]string{"reason"},
		)

		SessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mindline_session_duration_seconds",
				Help:    "Duration of ended conversation sessions",
				Buckets: prometheus.ExponentialBuckets(30, 2, 12), // 30s to ~34 hours
			},
		)

		MessagesAppended = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_messages_appended_total",
				Help: "Total number of messages appended to sessions",
			},
			[]string{"sender"},
		)

		AnalysisLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mindline_analysis_latency_seconds",
				Help:    "Latency of text risk analysis",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 0.1ms to ~100ms
			},
		)

		CrisisDetections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_crisis_detections_total",
				Help: "Total number of crisis detections",
			},
			[]string{"risk_level"},
		)

		ResponsesGenerated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_responses_generated_total",
				Help: "Total number of conversational responses by kind",
			},
			[]string{"kind"},
		)

		GenerativeLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mindline_generative_latency_seconds",
				Help:    "Latency of generative backend calls",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
			},
		)

		GenerativeFallbacks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_generative_fallbacks_total",
				Help: "Total number of deterministic fallback responses",
			},
			[]string{"reason"},
		)

		CallsInitiated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_calls_initiated_total",
				Help: "Total number of call initiations",
			},
			[]string{"call_type", "outcome"},
		)

		CallRoomsOpen = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindline_call_rooms_open",
				Help: "Number of open call signaling rooms",
			},
		)

		SignalsRelayed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mindline_call_signals_relayed_total",
				Help: "Total number of relayed call signaling payloads",
			},
		)

		AlertsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindline_alerts_published_total",
				Help: "Total number of crisis alerts published to the broker",
			},
			[]string{"status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindline_amqp_connection_status",
				Help: "Status of AMQP connection (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			ConnectionsActive,
			ConnectionsTotal,
			EventsReceived,
			EventsDropped,

			SessionsActive,
			SessionsStarted,
			SessionsEnded,
			SessionDuration,
			MessagesAppended,

			AnalysisLatency,
			CrisisDetections,

			ResponsesGenerated,
			GenerativeLatency,
			GenerativeFallbacks,

			CallsInitiated,
			CallRoomsOpen,
			SignalsRelayed,

			AlertsPublished,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}
