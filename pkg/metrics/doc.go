/*
Package metrics provides Prometheus metrics collection and exposition for
consus's txman and kvs daemons, plus the /health, /ready and /live
endpoints both daemon types expose alongside it.

# Metrics Catalog

Transaction Metrics:

consus_txns_active{group}:
  - Type: Gauge
  - Description: Transactions currently open in a Paxos group
  - Labels: group

consus_txns_committed_total{group}:
  - Type: Counter
  - Description: Transactions committed by a Paxos group

consus_txns_aborted_total{group}:
  - Type: Counter
  - Description: Transactions aborted by a Paxos group, whether by client
    request or after a failed commit

consus_wounds_total{group}:
  - Type: Counter
  - Description: Transactions wounded by a higher-priority requester
    under the wound-wait invariant

Lock Manager Metrics:

consus_locks_held:
  - Type: Gauge
  - Description: Keys currently holding an exclusive lock on this kvs
    replica

consus_locks_queued_total:
  - Type: Counter
  - Description: Lock requests that joined a wait queue rather than
    being granted or wounding the holder immediately

Paxos Metrics:

consus_paxos_is_leader{group}:
  - Type: Gauge
  - Description: Whether this replica is Raft leader for a group
    (1=leader, 0=follower)

consus_paxos_apply_duration_seconds:
  - Type: Histogram
  - Description: Time to apply a replicated log entry to a group's FSM

Replication Metrics:

consus_replicated_read_duration_seconds:
  - Type: Histogram
  - Description: Time for a quorum read against kvs replicas

consus_replicated_write_duration_seconds:
  - Type: Histogram
  - Description: Time for a two-phase replicated write to durably commit

consus_replica_unavailable_total{op}:
  - Type: Counter
  - Description: Replica RPCs abandoned after exhausting retries,
    labeled by operation (read/write/lock)

KVS Metrics:

consus_kvs_keys_total:
  - Type: Gauge
  - Description: Distinct (table,key) pairs resident on this replica

consus_kvs_versions_total:
  - Type: Gauge
  - Description: Total record versions resident on this replica,
    including superseded ones pending garbage collection

Migration Metrics:

consus_migration_batches_total{partition,direction}:
  - Type: Counter
  - Description: Key ranges migrated in (sink) or out (source) of a
    partition during rebalancing

consus_migration_in_progress:
  - Type: Gauge
  - Description: Whether a migration is currently running on this
    replica (1=yes, 0=no)

Reachability Metrics:

consus_replica_reachable{addr}:
  - Type: Gauge
  - Description: Whether the daemon at addr answered its recent
    reachability probes (1=up, 0=down), as judged by pkg/health's
    Monitor

Reconciler Metrics:

consus_reconciliation_duration_seconds:
  - Type: Histogram
  - Description: Time to apply a newly observed configuration to every
    routing-dependent component

consus_reconciliation_cycles_total:
  - Type: Counter
  - Description: Configuration reconciliation cycles completed

consus_configuration_version:
  - Type: Gauge
  - Description: VersionID of the configuration currently applied

# Usage

	import "github.com/consusdb/consus/pkg/metrics"

	metrics.TxnsActive.WithLabelValues("1").Inc()
	defer metrics.TxnsActive.WithLabelValues("1").Dec()

	timer := metrics.NewTimer()
	// ... perform a replicated write ...
	timer.ObserveDuration(metrics.ReplicatedWriteDuration)

	http.Handle("/metrics", metrics.Handler())

# Health

pkg/metrics also exposes process health independent of Prometheus:
HealthHandler, ReadyHandler and LivenessHandler back /health, /ready and
/live respectively. Daemons call RegisterComponent (and UpdateComponent
on change) for each long-lived dependency they hold — typically "raft",
"datalayer" and "wire" — readiness fails until all three report healthy.

# Design Patterns

All metrics are package-level variables registered once in init() via
MustRegister, so any package can record against them without an explicit
setup call. Gauges that reflect point-in-time component state (Paxos
leadership, resident key/version counts) are refreshed periodically by
a Collector rather than updated inline; counters and histograms tied to
a specific state transition (commit, abort, wound, lock grant) are
updated inline at the call site in pkg/txn and pkg/lockmgr.
*/
package metrics
