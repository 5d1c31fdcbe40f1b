// Package txn implements the transaction state machine: the
// per-transaction coordinator that drives a client's read/write/commit
// sequence through pkg/replication's quorum read, two-phase write and
// lock pipelines, with its own operations themselves replicated
// through the owning Paxos group.
//
// "When replicator X finishes, invoke coordinator method Y" is
// realized as ordinary blocking calls into pkg/replication rather than
// stored continuations: a goroutine-per-call coordinator does not need
// to re-enter a dispatcher once an aggregate response lands, so there
// is no dispatch table of continuation kinds to maintain. Crash
// recovery, which does need to resume a transaction from an arbitrary
// point, works by replaying the group's committed slot log through
// apply rather than restoring stored continuations.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/consusdb/consus/pkg/events"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/lockmgr"
	"github.com/consusdb/consus/pkg/metrics"
	"github.com/consusdb/consus/pkg/paxos"
	"github.com/consusdb/consus/pkg/replication"
	"github.com/consusdb/consus/pkg/statetable"
	"github.com/consusdb/consus/pkg/wire"
)

// State is one node of the transaction lifecycle: BEGIN through
// EXECUTING and PREPARING to a terminal COMMITTED or ABORTED.
type State string

const (
	StateBegin     State = "BEGIN"
	StateExecuting State = "EXECUTING"
	StatePreparing State = "PREPARING"
	StateCommitted State = "COMMITTED"
	StateAborted   State = "ABORTED"
)

// recordKind distinguishes the entries a transaction appends to its
// group's replicated slot log.
type recordKind uint8

const (
	recordBegin recordKind = iota
	recordWrite
	recordOutcome
)

// record is the JSON payload consus hands to paxos.Group.Propose; the
// FSM itself (pkg/paxos) does not interpret it, so recordKind and its
// fields are private to this package.
type record struct {
	Kind    recordKind `json:"kind"`
	Txn     ids.TxID   `json:"txn"`
	Table   []byte     `json:"table,omitempty"`
	Key     []byte     `json:"key,omitempty"`
	Value   []byte     `json:"value,omitempty"`
	Outcome State      `json:"outcome,omitempty"`
}

type readEntry struct {
	table, key []byte
	timestamp  uint64
}

type writeEntry struct {
	table, key, value []byte
}

// Transaction is one in-flight (or terminal) coordinator instance.
type Transaction struct {
	mu      sync.Mutex
	id      ids.TxID
	state   State
	reads   []readEntry
	writes  []writeEntry
	locked  []writeEntry // keys currently holding our lock, for cleanup on abort
	wounded bool
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() ids.TxID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func txnKey(g ids.TransactionGroup) string {
	return fmt.Sprintf("%d:%d", g.GroupID, g.Seq)
}

// Replicas resolves the replica set backing a (table,key)'s owning
// partition, for each of the three replicated pipelines a transaction
// drives. Wiring these against real pkg/wire connections to remote KVS
// daemons, including routing via pkg/config.Configuration.OwningKVS, is
// pkg/dispatch's job; txn only needs the abstract pkg/replication
// interfaces to drive C3/C4/C5.
type Replicas interface {
	ReadReplicas(table, key []byte) ([]replication.ReadReplica, error)
	WriteReplicas(table, key []byte) ([]replication.WriteReplica, error)
	LockReplicas(table, key []byte) ([]replication.LockReplica, error)
}

// WoundNotifier delivers a WOUND_XACT message to a victim transaction's
// coordinating Paxos group. Resolving which group that is (pkg/config's
// GroupOf) is also pkg/dispatch's concern.
type WoundNotifier interface {
	NotifyWound(ctx context.Context, victim ids.TransactionGroup) error
}

// lockRetryInterval and lockRetryDeadline bound how long Commit retries
// a QUEUED lock response before giving up and aborting: locks are
// retried until a majority grants or the deadline passes.
const (
	lockRetryInterval = 20 * time.Millisecond
	lockRetryDeadline = 5 * time.Second
)

// Manager owns every transaction coordinated by one TXMAN Paxos group.
type Manager struct {
	groupID  ids.PaxosGroupID
	replicas Replicas
	wound    WoundNotifier

	group    *paxos.Group
	nextSeq  uint64
	nextSlot uint64

	txns   *statetable.Table[string, Transaction]
	events *events.Broker
}

// SetEvents attaches a broker that Commit/Abort/wound transitions
// publish to; nil (the default) disables event publication.
func (m *Manager) SetEvents(b *events.Broker) { m.events = b }

func (m *Manager) groupLabel() string { return fmt.Sprintf("%d", m.groupID) }

func (m *Manager) publish(t events.EventType, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"group": m.groupLabel()},
	})
}

// NewManager constructs a Manager for the given group. Attach must be
// called once the group's paxos.Group is opened (it needs the Manager's
// Applier to construct the underlying raft.FSM in the first place, so
// the two are wired together after both exist).
func NewManager(groupID ids.PaxosGroupID, replicas Replicas, wound WoundNotifier) *Manager {
	hash := func(k string) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		return h.Sum32()
	}
	return &Manager{
		groupID:  groupID,
		replicas: replicas,
		wound:    wound,
		txns:     statetable.New[string, Transaction](hash, func(string) *Transaction { return &Transaction{} }),
	}
}

// Attach binds the Manager to its group's raft handle, used to propose
// new slot entries. Construct the paxos.Group with m.Applier as its
// Applier before calling Attach.
func (m *Manager) Attach(group *paxos.Group) { m.group = group }

// Applier returns the callback paxos.Open needs to replay this
// Manager's committed slot log, for both normal followers and the
// crash-recovery case where a surviving group member reconstructs
// transaction state from the replicated slot log.
func (m *Manager) Applier() paxos.Applier { return m.apply }

func (m *Manager) apply(cmd paxos.Command) {
	var rec record
	if err := json.Unmarshal(cmd.Payload, &rec); err != nil {
		return
	}

	ref := m.txns.GetOrCreate(txnKey(rec.Txn.Group()))
	defer ref.Release()
	tx := ref.Value()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch rec.Kind {
	case recordBegin:
		tx.id = rec.Txn
		tx.state = StateExecuting
	case recordWrite:
		tx.writes = append(tx.writes, writeEntry{table: rec.Table, key: rec.Key, value: rec.Value})
	case recordOutcome:
		tx.state = rec.Outcome
	}
}

// propose assigns the next slot in this group's log to payload and
// blocks until locally committed.
func (m *Manager) propose(rec record) error {
	slot := ids.Slot(atomic.AddUint64(&m.nextSlot, 1) - 1)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txn: marshal record: %w", err)
	}
	return m.group.Propose(slot, payload)
}

// Begin starts a new transaction coordinated by this group, with the
// given start timestamp doubling as its wound-wait priority.
func (m *Manager) Begin(startTS uint64) (*Transaction, error) {
	seq := atomic.AddUint64(&m.nextSeq, 1) - 1
	txid := ids.TxID{GroupID: m.groupID, Seq: seq, StartTS: startTS}

	if err := m.propose(record{Kind: recordBegin, Txn: txid}); err != nil {
		return nil, err
	}

	// apply(), invoked synchronously as part of propose()'s local commit,
	// already created the entry and set its id/state from the
	// replicated record; fetch the same entry to return to the caller.
	ref := m.txns.GetOrCreate(txnKey(txid.Group()))
	defer ref.Release()
	return ref.Value(), nil
}

// Lookup returns the transaction for a given group, if known, used by
// pkg/dispatch to route client requests and wound deliveries.
func (m *Manager) Lookup(group ids.TransactionGroup) (*Transaction, bool) {
	ref, ok := m.txns.Lookup(txnKey(group))
	if !ok {
		return nil, false
	}
	defer ref.Release()
	return ref.Value(), true
}

// Resolve maps an incoming TXMAN_WRITE/TXMAN_READ's txid onto its
// Transaction, treating the first sight of a given (group,seq) as an
// implicit begin that adopts the client-supplied txid verbatim: the
// wire protocol carries a fully-formed txid on the first request, with
// no separate BEGIN round trip, so the client mints group/seq/start_ts
// and the txman records whichever id it sees first for that group.
func (m *Manager) Resolve(txid ids.TxID) (*Transaction, error) {
	if txid.GroupID != m.groupID {
		return nil, fmt.Errorf("txn: txid %s does not belong to group %d", txid, m.groupID)
	}

	key := txnKey(txid.Group())

	ref := m.txns.GetOrCreate(key)
	tx := ref.Value()
	tx.mu.Lock()
	seen := tx.state != ""
	tx.mu.Unlock()
	ref.Release()

	if seen {
		ref, _ = m.txns.Lookup(key)
		defer ref.Release()
		return ref.Value(), nil
	}

	// Unseen: propose the implicit begin. apply() sets tx.id/tx.state
	// from the replicated record, so a race with a concurrent Resolve
	// for the same txid just proposes recordBegin twice; apply()
	// applying it a second time is a harmless no-op overwrite.
	if err := m.propose(record{Kind: recordBegin, Txn: txid}); err != nil {
		return nil, err
	}

	ref, ok := m.txns.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("txn: resolve lost transaction %s after propose", key)
	}
	defer ref.Release()
	return ref.Value(), nil
}

// Wound marks victim's transaction as having lost a wound-wait
// arbitration. The transaction observes this the next time Commit (or
// any lock wait within it) checks in, and aborts.
func (m *Manager) Wound(victim ids.TransactionGroup) {
	ref, ok := m.txns.Lookup(txnKey(victim))
	if !ok {
		return
	}
	defer ref.Release()
	tx := ref.Value()
	tx.mu.Lock()
	tx.wounded = true
	tx.mu.Unlock()
}

// Read performs a quorum read at tx's start timestamp; only
// valid in EXECUTING.
func (m *Manager) Read(ctx context.Context, tx *Transaction, table, key []byte) ([]byte, wire.ReturnCode, error) {
	tx.mu.Lock()
	if tx.state != StateExecuting {
		tx.mu.Unlock()
		return nil, wire.INVALID, fmt.Errorf("txn: read outside EXECUTING (state=%s)", tx.state)
	}
	startTS := tx.id.StartTS
	tx.mu.Unlock()

	replicas, err := m.replicas.ReadReplicas(table, key)
	if err != nil {
		return nil, wire.SERVER_ERROR, err
	}

	rc, ts, value, err := replication.ReadQuorum(ctx, replicas, table, key, startTS)
	if err != nil {
		return nil, wire.SERVER_ERROR, err
	}

	if rc == wire.SUCCESS {
		tx.mu.Lock()
		tx.reads = append(tx.reads, readEntry{table: table, key: key, timestamp: ts})
		tx.mu.Unlock()
	}
	return value, rc, nil
}

// Write appends (table,key,value) to tx's write set, replicating the
// intent into the group's slot log. It does not touch the KVS layer;
// that happens at Commit.
func (m *Manager) Write(ctx context.Context, tx *Transaction, table, key, value []byte) (wire.ReturnCode, error) {
	tx.mu.Lock()
	if tx.state != StateExecuting {
		state := tx.state
		tx.mu.Unlock()
		return wire.INVALID, fmt.Errorf("txn: write outside EXECUTING (state=%s)", state)
	}
	txid := tx.id
	tx.mu.Unlock()

	if err := m.propose(record{Kind: recordWrite, Txn: txid, Table: table, Key: key, Value: value}); err != nil {
		return wire.SERVER_ERROR, err
	}
	// apply(), invoked synchronously as part of propose()'s local commit,
	// already appended this write to tx.writes from the replicated
	// record — that is the single source of truth for the write set, so
	// Commit sees it without this method touching tx.writes itself.
	return wire.SUCCESS, nil
}

// Commit drives tx through PREPARING to a terminal state: acquire
// every write's lock (ordered by (table,key) to avoid
// internal deadlock), pick commit_ts, replicate every write, then
// replicate the outcome and release locks.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) (wire.ReturnCode, error) {
	tx.mu.Lock()
	if tx.state != StateExecuting {
		state := tx.state
		tx.mu.Unlock()
		return wire.INVALID, fmt.Errorf("txn: commit outside EXECUTING (state=%s)", state)
	}
	writes := append([]writeEntry(nil), tx.writes...)
	txid := tx.id
	tx.state = StatePreparing
	tx.mu.Unlock()

	sort.Slice(writes, func(i, j int) bool {
		if string(writes[i].table) != string(writes[j].table) {
			return string(writes[i].table) < string(writes[j].table)
		}
		return string(writes[i].key) < string(writes[j].key)
	})

	group := txid.Group()

	for _, w := range writes {
		if rc, err := m.acquireLock(ctx, tx, group, txid.StartTS, w); rc != wire.SUCCESS {
			return m.abortLocked(ctx, tx, txid, err)
		}
	}

	maxTS := txid.StartTS
	for _, w := range writes {
		ts, err := m.currentTimestamp(ctx, w.table, w.key)
		if err != nil {
			return m.abortLocked(ctx, tx, txid, err)
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	commitTS := maxTS + 1

	for _, w := range writes {
		writeReplicas, err := m.replicas.WriteReplicas(w.table, w.key)
		if err != nil {
			return m.abortLocked(ctx, tx, txid, err)
		}
		rc, _, err := replication.Write(ctx, writeReplicas, w.table, w.key, commitTS, w.value)
		if err != nil || rc != wire.SUCCESS {
			return m.abortLocked(ctx, tx, txid, err)
		}
	}

	if err := m.propose(record{Kind: recordOutcome, Txn: txid, Outcome: StateCommitted}); err != nil {
		return m.abortLocked(ctx, tx, txid, err)
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	locked := append([]writeEntry(nil), tx.locked...)
	tx.mu.Unlock()

	m.releaseAll(ctx, group, locked)
	metrics.TxnsCommittedTotal.WithLabelValues(m.groupLabel()).Inc()
	m.publish(events.EventTxnCommitted, txid.String())
	return wire.COMMITTED, nil
}

// acquireLock retries C5's lock call, subject to lockRetryDeadline,
// until tx wins a majority (GRANTED or WOUND-as-winner) or is itself
// wounded while waiting.
func (m *Manager) acquireLock(ctx context.Context, tx *Transaction, group ids.TransactionGroup, priority uint64, w writeEntry) (wire.ReturnCode, error) {
	deadline := time.Now().Add(lockRetryDeadline)
	for {
		tx.mu.Lock()
		wounded := tx.wounded
		tx.mu.Unlock()
		if wounded {
			return wire.ABORTED, fmt.Errorf("txn: wounded while acquiring lock on %s/%s", w.table, w.key)
		}

		replicas, err := m.replicas.LockReplicas(w.table, w.key)
		if err != nil {
			return wire.SERVER_ERROR, err
		}

		outcome, victim, err := replication.Lock(ctx, replicas, w.table, w.key, group, priority)
		if err != nil {
			return wire.SERVER_ERROR, err
		}

		switch outcome {
		case lockmgr.GRANTED:
			tx.mu.Lock()
			tx.locked = append(tx.locked, w)
			tx.mu.Unlock()
			return wire.SUCCESS, nil
		case lockmgr.WOUND:
			if victim != (ids.TransactionGroup{}) && m.wound != nil {
				_ = m.wound.NotifyWound(ctx, victim)
			}
			metrics.WoundsTotal.WithLabelValues(m.groupLabel()).Inc()
			m.publish(events.EventTxnWounded, fmt.Sprintf("wounded group=%d seq=%d", victim.GroupID, victim.Seq))
			tx.mu.Lock()
			tx.locked = append(tx.locked, w)
			tx.mu.Unlock()
			return wire.SUCCESS, nil
		}

		if time.Now().After(deadline) {
			return wire.TIMEOUT, fmt.Errorf("txn: lock deadline exceeded on %s/%s", w.table, w.key)
		}
		select {
		case <-ctx.Done():
			return wire.TIMEOUT, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// currentTimestamp discovers the greatest committed version of a key,
// used to choose commit_ts strictly greater than any prior write.
func (m *Manager) currentTimestamp(ctx context.Context, table, key []byte) (uint64, error) {
	replicas, err := m.replicas.ReadReplicas(table, key)
	if err != nil {
		return 0, err
	}
	rc, ts, _, err := replication.ReadQuorum(ctx, replicas, table, key, ^uint64(0))
	if err != nil {
		return 0, err
	}
	if rc != wire.SUCCESS {
		return 0, nil
	}
	return ts, nil
}

// abortLocked transitions tx to ABORTED, releasing whatever locks it
// had already acquired during this Commit attempt.
func (m *Manager) abortLocked(ctx context.Context, tx *Transaction, txid ids.TxID, cause error) (wire.ReturnCode, error) {
	tx.mu.Lock()
	tx.state = StateAborted
	locked := append([]writeEntry(nil), tx.locked...)
	tx.mu.Unlock()

	_ = m.propose(record{Kind: recordOutcome, Txn: txid, Outcome: StateAborted})
	m.releaseAll(ctx, txid.Group(), locked)
	metrics.TxnsAbortedTotal.WithLabelValues(m.groupLabel()).Inc()
	m.publish(events.EventTxnAborted, txid.String())
	return wire.ABORTED, cause
}

// Abort transitions tx directly to ABORTED: release any held locks,
// replicate the outcome, answer the client.
func (m *Manager) Abort(ctx context.Context, tx *Transaction) (wire.ReturnCode, error) {
	tx.mu.Lock()
	if tx.state == StateCommitted || tx.state == StateAborted {
		state := tx.state
		tx.mu.Unlock()
		return wire.INVALID, fmt.Errorf("txn: abort of terminal transaction (state=%s)", state)
	}
	txid := tx.id
	locked := append([]writeEntry(nil), tx.locked...)
	tx.state = StateAborted
	tx.mu.Unlock()

	if err := m.propose(record{Kind: recordOutcome, Txn: txid, Outcome: StateAborted}); err != nil {
		return wire.SERVER_ERROR, err
	}

	m.releaseAll(ctx, txid.Group(), locked)
	metrics.TxnsAbortedTotal.WithLabelValues(m.groupLabel()).Inc()
	m.publish(events.EventTxnAborted, txid.String())
	return wire.ABORTED, nil
}

func (m *Manager) releaseAll(ctx context.Context, group ids.TransactionGroup, locked []writeEntry) {
	for _, w := range locked {
		replicas, err := m.replicas.LockReplicas(w.table, w.key)
		if err != nil {
			continue
		}
		replication.Unlock(ctx, replicas, w.table, w.key, group)
	}
}

// Pending returns every transaction this Manager knows of that reached
// PREPARING without a terminal outcome, for a recovering leader to
// drive to COMMITTED or ABORTED after the original coordinator died
// mid-commit. Since apply() already replays every committed outcome record,
// this only ever surfaces transactions truly interrupted mid-commit.
func (m *Manager) Pending() []*Transaction {
	var out []*Transaction
	m.txns.Range(func(tx *Transaction) {
		tx.mu.Lock()
		state := tx.state
		tx.mu.Unlock()
		if state == StatePreparing {
			out = append(out, tx)
		}
	})
	return out
}
