package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Directory (replicated log) metrics
	DirectoryAgentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_directory_agents_total",
			Help: "Total number of agents known to the replicated directory",
		},
	)

	DirectoryServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_directory_services_total",
			Help: "Total number of registered service providers",
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mesh_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	RouterDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_router_deliveries_total",
			Help: "Total number of message deliveries by route kind and outcome",
		},
		[]string{"route", "outcome"},
	)

	RouterCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_router_cache_entries",
			Help: "Number of entries currently held in the router's directory cache",
		},
	)

	// Scheduler metrics
	BehaviorTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_behavior_ticks_total",
			Help: "Total number of behavior invocations by kind",
		},
		[]string{"kind"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mesh_scheduler_tick_duration_seconds",
			Help:    "Time taken for one scheduler tick across all eligible behaviors",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Protocol metrics
	ProtocolTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_protocol_transitions_total",
			Help: "Total number of protocol state transitions by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)

	ProtocolViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_protocol_violations_total",
			Help: "Total number of messages dropped for an invalid protocol transition",
		},
		[]string{"protocol"},
	)

	// Sandbox metrics
	GuestInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_guest_invocations_total",
			Help: "Total number of guest entry-point invocations by entry point and outcome",
		},
		[]string{"entry_point", "outcome"},
	)

	FuelExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_fuel_exhausted_total",
			Help: "Total number of guest invocations that trapped on fuel exhaustion",
		},
	)

	// Supervisor / migration metrics
	AgentRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_agent_restarts_total",
			Help: "Total number of agent restarts by strategy",
		},
		[]string{"strategy"},
	)

	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_migrations_total",
			Help: "Total number of agent migrations by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mesh_migration_duration_seconds",
			Help:    "Time taken for a full migration handoff",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Error-kind metrics (spec.md §7: every error kind increments a named counter)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		DirectoryAgentsTotal,
		DirectoryServicesTotal,
		RaftLeader,
		RaftPeers,
		RaftAppliedIndex,
		RaftApplyDuration,
		RouterDeliveriesTotal,
		RouterCacheSize,
		BehaviorTicksTotal,
		SchedulerTickDuration,
		ProtocolTransitionsTotal,
		ProtocolViolationsTotal,
		GuestInvocationsTotal,
		FuelExhaustedTotal,
		AgentRestartsTotal,
		MigrationsTotal,
		MigrationDuration,
		ErrorsTotal,
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
