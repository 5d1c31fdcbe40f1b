/*
Package reconciler keeps a daemon's view of the cluster configuration
current.

The coordinator publishes a new configuration whenever membership
changes: a kvs replica added, a txman group resized, a partition
reassigned. Every daemon (and long-lived client) must converge on the
new epoch without restarting, because routing decisions — which kvs
owns a key, which txman group hosts a wound victim — are taken against
the configuration on every request.

# Architecture

	┌─────────────┐  Poll / Watch  ┌──────────────┐
	│ coordinator  │ ─────────────► │  Reconciler  │
	│  .FileLink   │                └──────┬───────┘
	└─────────────┘                        │ SetConfiguration(cfg)
	                          ┌────────────┼────────────┐
	                          ▼            ▼            ▼
	                   ConfigReplicas  health.Monitor  client.Client

The Reconciler polls a coordinator.Link on a fixed interval and, on
every VersionID bump, fans the new Configuration out to its registered
Updatable consumers. Consumers are registered once at construction —
a daemon's internal topology does not change at runtime, only the
cluster's does.

# Convergence semantics

Applying a configuration is idempotent and cheap: consumers swap a
pointer under a mutex. Requests already in flight finish against the
epoch they started with. Wire requests carry no epoch, so no server
rejects a request as stale; a daemon or client picks up a new epoch
only when its reconciler applies it. The reconciler's job is to make
sure the next resolution sees the new epoch promptly.

Each apply updates the consus_configuration_version gauge and
publishes a config.reloaded event, so an operator can tell at a glance
whether a daemon has converged on the epoch the coordinator most
recently published.
*/
package reconciler
