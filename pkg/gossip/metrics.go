package gossip

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gossipmesh Prometheus collectors on an isolated
// registry, so they never collide with a process-global default
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	TelemetryTicks       prometheus.Counter
	EnvelopesAccepted    prometheus.Counter
	EnvelopesDropped     *prometheus.CounterVec // labeled by reason
	FanOutSends          prometheus.Counter
	BackpressureDrops    *prometheus.CounterVec // labeled by channel
	SeenCacheSize        prometheus.Gauge
	PeerRecordCount      prometheus.Gauge
	ConnectionCacheSize  prometheus.Gauge
	ActiveStreamHandlers prometheus.Gauge
	StalenessRemovals    prometheus.Counter
	HelloFailures        *prometheus.CounterVec // labeled by reason

	AdminRequestsTotal         *prometheus.CounterVec // labeled by method, path, status
	AdminRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance with all collectors registered on
// a fresh, isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		TelemetryTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gossipmesh_telemetry_ticks_total",
			Help: "Total number of self-telemetry ticks produced.",
		}),
		EnvelopesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gossipmesh_envelopes_accepted_total",
			Help: "Total number of inbound envelopes committed to a PeerRecord.",
		}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossipmesh_envelopes_dropped_total",
			Help: "Total number of inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
		FanOutSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gossipmesh_fanout_sends_total",
			Help: "Total number of Send commands emitted by the gossip selector.",
		}),
		BackpressureDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossipmesh_backpressure_drops_total",
			Help: "Total number of commands dropped due to a saturated bounded channel.",
		}, []string{"channel"}),
		SeenCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gossipmesh_seen_cache_size",
			Help: "Current number of entries in the replay-suppression cache.",
		}),
		PeerRecordCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gossipmesh_peer_records",
			Help: "Current number of PeerRecords held by the Engine.",
		}),
		ConnectionCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gossipmesh_connection_cache_size",
			Help: "Current number of cached Transport connections.",
		}),
		ActiveStreamHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gossipmesh_active_stream_handlers",
			Help: "Current number of concurrently alive inbound stream handlers.",
		}),
		StalenessRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gossipmesh_staleness_removals_total",
			Help: "Total number of PeerRecords pruned by the staleness sweep.",
		}),
		HelloFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossipmesh_hello_failures_total",
			Help: "Total number of failed identity handshakes, by reason.",
		}, []string{"reason"}),
		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gossipmesh_admin_requests_total",
			Help: "Total number of local admin API requests, by method/path/status.",
		}, []string{"method", "path", "status"}),
		AdminRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gossipmesh_admin_request_duration_seconds",
			Help: "Admin API request latency, by method/path/status.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.TelemetryTicks,
		m.EnvelopesAccepted,
		m.EnvelopesDropped,
		m.FanOutSends,
		m.BackpressureDrops,
		m.SeenCacheSize,
		m.PeerRecordCount,
		m.ConnectionCacheSize,
		m.ActiveStreamHandlers,
		m.StalenessRemovals,
		m.HelloFailures,
		m.AdminRequestsTotal,
		m.AdminRequestDurationSeconds,
	)

	return m
}

// Handler returns an http.Handler that serves this registry's metrics in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
