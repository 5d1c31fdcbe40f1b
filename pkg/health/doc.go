/*
Package health probes the reachability of consus daemons.

A transaction manager talks to many kvs replicas and to the other
members of its own Paxos group. When one of them dies, the first signal
is usually a dial timeout in the middle of a quorum read or a wound
delivery — the worst possible place to discover it. This package moves
that discovery into the background: a Monitor probes every daemon
address named by the cluster configuration on a fixed cadence, and the
dispatch layer consults it to order failover candidates before
spending dial timeouts on daemons already known to be down.

# Architecture

	┌──────────────────────────────────────────────────┐
	│                     Monitor                      │
	│  SetConfiguration(cfg)  ◄── reconciler           │
	│  Reachable(addr)        ◄── dispatch             │
	└──────┬───────────────────────────────────────────┘
	       │ every Interval
	       ▼
	┌──────────────┐   one probe per endpoint, concurrently
	│   Checker    │──► TCPChecker: dial, close, report
	└──────┬───────┘
	       ▼
	┌──────────────┐   DownAfter consecutive failures ⇒ down
	│    Status    │   any success ⇒ up
	└──────────────┘

# Probe semantics

A probe is a bare TCP connect against the daemon's listen address. It
deliberately does not speak the wire protocol: the question failover
needs answered is "is the daemon gone", not "is the daemon fast", and
a completed handshake answers it without holding a protocol-level
connection slot on the probed side.

An endpoint starts reachable and is declared down only after
Config.DownAfter consecutive failed probes, so a single dropped SYN
does not reroute traffic. A single successful probe marks it reachable
again.

# Wiring

The Monitor implements the reconciler's Updatable: registering it as a
reconciler consumer keeps the probed endpoint set in lockstep with the
configuration epoch, carrying probe history over for addresses present
in both epochs. Reachability transitions are published on the event
broker (replica.down / replica.up) and exported as the
consus_replica_reachable gauge.

Addresses the Monitor has never probed are reported reachable:
writing off a replica on the strength of zero probes would make every
fresh configuration look partitioned.
*/
package health
