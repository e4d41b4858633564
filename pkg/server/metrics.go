package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each server gets its
// own registry so several can run in one process (tests). A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection and session metrics
	openConnections prometheus.Gauge
	onlineSessions  prometheus.Gauge
	accounts        prometheus.Gauge

	// Broadcast metrics
	broadcastFanout prometheus.Histogram

	// Offline queue metrics
	offlineQueued    prometheus.Counter
	offlineDelivered prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec // by request kind
	framesSent     *prometheus.CounterVec // by frame type

	// Persistence metrics
	persistenceFailures *prometheus.CounterVec // by document key

	// Connect attempts the kernel dropped before accept
	listenOverflows prometheus.Counter
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		openConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_open_connections",
				Help: "Current number of open client connections",
			},
		),
		onlineSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_online_sessions",
				Help: "Current number of logged-in users",
			},
		),
		accounts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_accounts",
				Help: "Number of registered accounts",
			},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatrelay_broadcast_fanout",
				Help:    "Number of connections that received each chat message",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
		),
		offlineQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_offline_messages_queued_total",
				Help: "Total number of messages queued for offline users",
			},
		),
		offlineDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_offline_messages_delivered_total",
				Help: "Total number of queued messages delivered on login",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_frames_received_total",
				Help: "Total number of frames received from clients by kind",
			},
			[]string{"kind"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_frames_sent_total",
				Help: "Total number of frames sent to clients by type",
			},
			[]string{"type"},
		),
		persistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_persistence_failures_total",
				Help: "Total number of failed document writes",
			},
			[]string{"key"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_listen_overflows_total",
				Help: "Total number of client connection attempts dropped by a full accept queue",
			},
		),
	}
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetOpenConnections updates the open connection count
func (m *Metrics) SetOpenConnections(count int) {
	if m == nil {
		return
	}
	m.openConnections.Set(float64(count))
}

// SetOnlineSessions updates the logged-in user count
func (m *Metrics) SetOnlineSessions(count int) {
	if m == nil {
		return
	}
	m.onlineSessions.Set(float64(count))
}

// SetAccounts updates the registered account count
func (m *Metrics) SetAccounts(count int) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(count))
}

// ObserveBroadcastFanout records how many connections received a chat message
func (m *Metrics) ObserveBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordOfflineQueued(n int) {
	if m == nil {
		return
	}
	m.offlineQueued.Add(float64(n))
}

func (m *Metrics) RecordOfflineDelivered(n int) {
	if m == nil {
		return
	}
	m.offlineDelivered.Add(float64(n))
}

// RecordFrameReceived increments the received counter for a request kind
func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameSent increments the sent counter for a frame type
func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

// RecordPersistenceFailure increments the failure counter for a document
func (m *Metrics) RecordPersistenceFailure(key string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(key).Inc()
}

// RecordListenOverflows counts connection attempts the kernel dropped
func (m *Metrics) RecordListenOverflows(n uint64) {
	if m == nil {
		return
	}
	m.listenOverflows.Add(float64(n))
}
