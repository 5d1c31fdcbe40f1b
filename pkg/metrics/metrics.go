package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	TxnsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consus_txns_active",
			Help: "Transactions currently in flight by group",
		},
		[]string{"group"},
	)

	TxnsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consus_txns_committed_total",
			Help: "Total transactions committed by group",
		},
		[]string{"group"},
	)

	TxnsAbortedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consus_txns_aborted_total",
			Help: "Total transactions aborted by group",
		},
		[]string{"group"},
	)

	WoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consus_wounds_total",
			Help: "Total transactions wounded by a higher-priority requester",
		},
		[]string{"group"},
	)

	// Lock manager metrics
	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consus_locks_held",
			Help: "Number of keys currently holding a lock",
		},
	)

	LocksQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consus_locks_queued_total",
			Help: "Total lock requests that queued behind an existing holder",
		},
	)

	// Paxos (per-group Raft) metrics
	PaxosIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consus_paxos_is_leader",
			Help: "Whether this node is the Paxos leader of the group (1=leader, 0=follower)",
		},
		[]string{"group"},
	)

	PaxosApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consus_paxos_apply_duration_seconds",
			Help:    "Time taken to propose and commit a slot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication (kvs quorum read/write) metrics
	ReplicatedReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consus_replicated_read_duration_seconds",
			Help:    "Time taken for a quorum read against a replica set in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicatedWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consus_replicated_write_duration_seconds",
			Help:    "Time taken for a two-phase replicated write in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicaUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consus_replica_unavailable_total",
			Help: "Total replica requests that failed to reach quorum",
		},
		[]string{"op"},
	)

	ReplicaReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consus_replica_reachable",
			Help: "Whether a kvs or txman daemon answered its recent reachability probes (1=up, 0=down)",
		},
		[]string{"addr"},
	)

	// Data layer metrics
	KVSKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consus_kvs_keys_total",
			Help: "Total distinct (table,key) pairs held by this kvs instance",
		},
	)

	KVSVersionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consus_kvs_versions_total",
			Help: "Total stored record versions across all keys on this kvs instance",
		},
	)

	// Migration metrics
	MigrationBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consus_migration_batches_total",
			Help: "Total migration batches sent or acknowledged by partition",
		},
		[]string{"partition", "direction"},
	)

	MigrationInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consus_migration_in_progress",
			Help: "Number of partitions currently migrating",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consus_reconciliation_duration_seconds",
			Help:    "Time taken to apply a new configuration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consus_reconciliation_cycles_total",
			Help: "Total configuration reloads applied",
		},
	)

	ConfigurationVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consus_configuration_version",
			Help: "VersionID of the configuration currently in effect",
		},
	)
)

func init() {
	prometheus.MustRegister(TxnsActive)
	prometheus.MustRegister(TxnsCommittedTotal)
	prometheus.MustRegister(TxnsAbortedTotal)
	prometheus.MustRegister(WoundsTotal)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(LocksQueuedTotal)
	prometheus.MustRegister(PaxosIsLeader)
	prometheus.MustRegister(PaxosApplyDuration)
	prometheus.MustRegister(ReplicatedReadDuration)
	prometheus.MustRegister(ReplicatedWriteDuration)
	prometheus.MustRegister(ReplicaUnavailableTotal)
	prometheus.MustRegister(ReplicaReachable)
	prometheus.MustRegister(KVSKeysTotal)
	prometheus.MustRegister(KVSVersionsTotal)
	prometheus.MustRegister(MigrationBatchesTotal)
	prometheus.MustRegister(MigrationInProgress)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ConfigurationVersion)
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

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
