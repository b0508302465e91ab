package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	EnginesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_engines_total",
			Help: "Number of engines by lifecycle state",
		},
		[]string{"state"},
	)

	EnginesByHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_engines_by_health",
			Help: "Number of engines by health classification",
		},
		[]string{"health"},
	)

	EnginesForwarded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_engines_forwarded",
			Help: "Number of engines currently holding the forwarded P2P port",
		},
	)

	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_streams_active",
			Help: "Number of streams currently in the started state",
		},
	)

	StreamsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_streams_started_total",
			Help: "Total number of streams recorded as started",
		},
	)

	StreamsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_streams_ended_total",
			Help: "Total number of ended streams by reason",
		},
		[]string{"reason"},
	)

	StaleStreamsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_stale_streams_total",
			Help: "Total number of streams ended by stale-session detection",
		},
	)

	// Transfer metrics aggregated across all live streams
	PoolPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_pool_peers",
			Help: "Sum of peer counts across live streams",
		},
	)

	PoolSpeedDownBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_pool_speed_down_bytes",
			Help: "Sum of download speeds across live streams in bytes per second",
		},
	)

	PoolSpeedUpBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_pool_speed_up_bytes",
			Help: "Sum of upload speeds across live streams in bytes per second",
		},
	)

	// Container resource metrics
	ContainerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_container_cpu_percent",
			Help: "Container CPU usage percentage",
		},
		[]string{"container"},
	)

	ContainerMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_container_memory_bytes",
			Help: "Container memory usage in bytes",
		},
		[]string{"container"},
	)

	// VPN metrics
	VPNConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_vpn_connected",
			Help: "Whether the VPN container is connected (1) or not (0)",
		},
		[]string{"container"},
	)

	VPNForwardedPort = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_vpn_forwarded_port",
			Help: "Forwarded P2P port reported by the VPN container",
		},
		[]string{"container"},
	)

	VPNPortChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_vpn_port_changes_total",
			Help: "Total number of forwarded-port changes per VPN container",
		},
		[]string{"container"},
	)

	// Lifecycle metrics
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_provisions_total",
			Help: "Total number of engine provisions by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acepool_provision_duration_seconds",
			Help:    "Time from provision request to engine ready in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 90},
		},
	)

	ReplacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_replacements_total",
			Help: "Total number of unhealthy-engine replacements started",
		},
	)

	ScaleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_scale_operations_total",
			Help: "Total number of autoscaler operations by direction",
		},
		[]string{"direction"},
	)

	// Circuit breaker metrics
	BreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_breaker_open",
			Help: "Whether the circuit breaker is open (1) or closed (0)",
		},
		[]string{"class"},
	)

	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"class"},
	)

	// Collector metrics
	CollectorProbeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_collector_probe_errors_total",
			Help: "Total number of stat probe network failures",
		},
	)

	// Reconciler metrics
	ReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_reconciles_total",
			Help: "Total number of reconcile passes by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acepool_reconcile_duration_seconds",
			Help:    "Reconcile pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Multiplexer metrics
	MuxBroadcasters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_mux_broadcasters",
			Help: "Number of live broadcasters",
		},
	)

	MuxClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acepool_mux_clients",
			Help: "Number of connected multiplexer clients",
		},
	)

	MuxBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_mux_bytes_total",
			Help: "Total bytes fanned out to multiplexer clients",
		},
	)

	MuxClientsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acepool_mux_clients_dropped_total",
			Help: "Total clients dropped for not draining their queue",
		},
	)

	// Port allocator metrics
	PortsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acepool_ports_in_use",
			Help: "Number of leased ports by scope",
		},
		[]string{"scope"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acepool_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acepool_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EnginesTotal)
	prometheus.MustRegister(EnginesByHealth)
	prometheus.MustRegister(EnginesForwarded)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(StreamsStartedTotal)
	prometheus.MustRegister(StreamsEndedTotal)
	prometheus.MustRegister(StaleStreamsTotal)
	prometheus.MustRegister(PoolPeers)
	prometheus.MustRegister(PoolSpeedDownBytes)
	prometheus.MustRegister(PoolSpeedUpBytes)
	prometheus.MustRegister(ContainerCPUPercent)
	prometheus.MustRegister(ContainerMemoryBytes)
	prometheus.MustRegister(VPNConnected)
	prometheus.MustRegister(VPNForwardedPort)
	prometheus.MustRegister(VPNPortChangesTotal)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ReplacementsTotal)
	prometheus.MustRegister(ScaleOperationsTotal)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(CollectorProbeErrorsTotal)
	prometheus.MustRegister(ReconcilesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(MuxBroadcasters)
	prometheus.MustRegister(MuxClients)
	prometheus.MustRegister(MuxBytesTotal)
	prometheus.MustRegister(MuxClientsDroppedTotal)
	prometheus.MustRegister(PortsInUse)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
