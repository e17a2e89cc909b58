// Package api provides Prometheus instrumentation for the network layer.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the message transport layer.
type Metrics struct {
	// Message metrics
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	BroadcastMessages prometheus.Counter

	// Acknowledgment metrics
	AcksResolved prometheus.Counter
	AcksUnknown  prometheus.Counter
	AckLatency   prometheus.Histogram

	// Failure metrics
	DecodeFailures   prometheus.Counter
	IdentityFailures prometheus.Counter
	SendFailures     prometheus.Counter

	// State metrics
	ConnectedPeers prometheus.Gauge
	PendingAcks    prometheus.Gauge
}

// DefaultMetrics creates metrics with default settings.
var DefaultMetrics = NewMetrics("stargate")

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of payload sends attempted",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound payloads delivered",
		}),
		BroadcastMessages: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Total number of broadcast operations",
		}),

		AcksResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_resolved_total",
			Help:      "Total number of acknowledgments matched to a pending send",
		}),
		AcksUnknown: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_unknown_total",
			Help:      "Total number of acknowledgments with no pending entry",
		}),
		AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from send registration to acknowledgment",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of inbound frames dropped as malformed",
		}),
		IdentityFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_failures_total",
			Help:      "Total number of events dropped on identity translation failure",
		}),
		SendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of outbound sends the transport rejected",
		}),

		ConnectedPeers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Current number of open peer connections",
		}),
		PendingAcks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_acks",
			Help:      "Current number of sends awaiting acknowledgment",
		}),
	}
}

// RecordAck records a resolved acknowledgment and its latency.
func (m *Metrics) RecordAck(latency time.Duration) {
	m.AcksResolved.Inc()
	m.AckLatency.Observe(latency.Seconds())
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
