/*
Package events provides an in-memory event broker for consus daemons.

The broker decouples the components that observe something happening
(a transaction committing, a lock being wounded, a replica going
unreachable, a configuration epoch bump) from the components that want
to react to it (metrics, operator tooling, tests) without the observer
needing to know who is listening.

# Architecture

	Publisher ──► event channel (buffer: 100)
	                    │
	              broadcast loop
	                    │
	     ┌──────────────┼──────────────┐
	     ▼              ▼              ▼
	subscriber     subscriber     subscriber
	(buffer: 50)   (buffer: 50)   (buffer: 50)

Publish is non-blocking from the caller's point of view: events enter
a buffered channel and a single broadcast goroutine fans them out. A
subscriber whose buffer is full misses the event rather than stalling
the broadcast loop — the broker is a notification path, never a
correctness path. Anything that must not be lost (transaction
outcomes, lock state) is replicated through its Paxos group or
persisted by the datalayer, not delivered via the broker.

# Event Types

Transaction lifecycle:
  - txn.committed, txn.aborted — a transaction reached its terminal
    state
  - txn.wounded — a higher-priority requester forced an abort

Locking:
  - lock.granted, lock.queued — the local lock manager's decisions

Migration:
  - migration.syn, migration.done — partition handoff progress

Cluster:
  - paxos.leader_changed — this daemon gained or lost group leadership
  - config.reloaded — a new configuration epoch was applied
  - replica.down, replica.up — a peer daemon stopped or resumed
    answering reachability probes

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
