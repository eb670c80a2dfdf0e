package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOpDuration tracks the latency of individual store operations.
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skywatch_store_op_duration_seconds",
		Help:    "Duration of document store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// LeaseAcquisitions counts won leases by kind and path.
	LeaseAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_lease_acquisitions_total",
		Help: "Total leases won, by takeover or steal",
	}, []string{"kind", "path"})

	// StealConflicts counts steal attempts lost to a racing scheduler.
	StealConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_steal_conflicts_total",
		Help: "Steal attempts that hit a CAS conflict and retried",
	}, []string{"kind"})

	// TasksOwned tracks the number of locally running tasks.
	TasksOwned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skywatch_tasks_owned",
		Help: "Number of task runners currently owned by this process",
	}, []string{"kind"})

	// HeartbeatFailures counts lease renewals that came back unmatched.
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_heartbeat_failures_total",
		Help: "Heartbeats that found the lease gone",
	}, []string{"kind"})

	// CollectorQueueDepth tracks pending events per destination.
	CollectorQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skywatch_collector_queue_depth",
		Help: "Events queued per collector destination",
	}, []string{"destination"})

	// CollectorDrops counts events lost to ring overflow.
	CollectorDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_collector_dropped_events_total",
		Help: "Events dropped because a destination queue overflowed",
	}, []string{"destination"})

	// CollectorSendFailures counts delivery attempts that failed and
	// pushed the destination into backoff.
	CollectorSendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_collector_send_failures_total",
		Help: "Failed deliveries per collector destination",
	}, []string{"destination"})

	// EventsPublished counts events fanned out to destinations.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywatch_events_published_total",
		Help: "Events successfully delivered per destination",
	}, []string{"destination"})
)
