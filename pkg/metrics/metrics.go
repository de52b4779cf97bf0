package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_container_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Restart supervisor metrics
	RestartAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_restart_attempts_total",
			Help: "Total number of container restart attempts by policy",
		},
		[]string{"policy"},
	)

	RestartBackoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_restart_backoff_seconds",
			Help: "Current restart backoff delay per container",
		},
		[]string{"container_id"},
	)

	// Network allocator metrics
	NetworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_networks_total",
			Help: "Total number of networks by phase",
		},
		[]string{"phase"},
	)

	AttachmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_attachments_total",
			Help: "Total number of live network attachments across all networks",
		},
	)

	NetworkCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_network_create_duration_seconds",
			Help:    "Time taken to create a network in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NetworkDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_network_delete_duration_seconds",
			Help:    "Time taken to delete a network in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DNS server metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_dns_queries_total",
			Help: "Total number of DNS queries by transport and rcode",
		},
		[]string{"transport", "rcode"},
	)

	DNSTCPConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_dns_tcp_connections_active",
			Help: "Currently open DNS-over-TCP connections",
		},
	)

	DNSTCPConnectionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_dns_tcp_connections_rejected_total",
			Help: "DNS TCP connections rejected because the concurrency limit was reached",
		},
	)

	// Build scheduler + cache metrics
	BuildCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_build_cache_hits_total",
			Help: "Total number of build node cache hits",
		},
	)

	BuildCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_build_cache_misses_total",
			Help: "Total number of build node cache misses",
		},
	)

	BuildNodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_build_node_duration_seconds",
			Help:    "Time taken to execute one build node (cache miss only) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PTY / I/O multiplexer metrics
	PTYSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_pty_sessions_active",
			Help: "Currently open PTY/pipe I/O sessions",
		},
	)

	PTYClientsAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_pty_clients_attached",
			Help: "Currently attached client handles across all sessions",
		},
	)

	PTYRingBufferDroppedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_pty_dropped_bytes_total",
			Help: "Bytes dropped on a slow client's non-blocking pipe",
		},
		[]string{"container_id"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_api_requests_total",
			Help: "Total number of internal RPC requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keel_api_request_duration_seconds",
			Help:    "Internal RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		ContainerCreateDuration,
		ContainerStartDuration,
		ContainerStopDuration,
		RestartAttemptsTotal,
		RestartBackoffSeconds,
		NetworksTotal,
		AttachmentsTotal,
		NetworkCreateDuration,
		NetworkDeleteDuration,
		DNSQueriesTotal,
		DNSTCPConnectionsActive,
		DNSTCPConnectionsRejected,
		BuildCacheHitsTotal,
		BuildCacheMissesTotal,
		BuildNodeDuration,
		PTYSessionsActive,
		PTYClientsAttached,
		PTYRingBufferDroppedBytes,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
