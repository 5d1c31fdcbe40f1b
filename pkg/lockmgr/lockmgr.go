// Package lockmgr implements the per-key exclusive lock manager:
// holder identity, FIFO wait queues, and wound-wait arbitration. It is
// the local, in-memory counterpart to the durable lock records
// pkg/datalayer persists.
package lockmgr

import (
	"hash/fnv"
	"sync"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/metrics"
	"github.com/consusdb/consus/pkg/statetable"
)

// Outcome is the result of a Lock call.
type Outcome int

const (
	GRANTED Outcome = iota
	QUEUED
	WOUND
)

// waiter is one entry in a key's FIFO wait queue.
type waiter struct {
	group    ids.TransactionGroup
	priority uint64
}

type keyState struct {
	mu             sync.Mutex
	table          []byte
	key            []byte
	holder         ids.TransactionGroup
	holderPriority *uint64
	held           bool
	waiting        []waiter
}

func stateKey(table, key []byte) string {
	return string(table) + "\x00" + string(key)
}

// Manager holds all per-key lock state for one KVS daemon, pinned by a
// statetable so concurrent handlers for the same key serialize on that
// key's entry rather than a single global mutex.
type Manager struct {
	data  *datalayer.Datalayer
	table *statetable.Table[string, keyState]
}

// New constructs a Manager persisting grants and releases to data.
func New(data *datalayer.Datalayer) *Manager {
	hash := func(k string) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		return h.Sum32()
	}
	return &Manager{
		data:  data,
		table: statetable.New[string, keyState](hash, func(string) *keyState { return &keyState{} }),
	}
}

// Lock requests the exclusive lock on (table,key) for tg at the given
// priority (the requester's transaction start timestamp; lower is
// older and wins ties under wound-wait).
//
// If the key is unheld, tg is granted and persisted. If tg already
// holds it, this is an idempotent GRANT. If held by a lower-priority
// holder (higher StartTS) and tg is higher priority, the holder is
// wounded and tg takes the lock immediately, jumping the wait queue.
// Otherwise tg is queued behind the current holder.
func (m *Manager) Lock(table, key []byte, tg ids.TransactionGroup, priority uint64) (Outcome, ids.TransactionGroup, error) {
	ref := m.table.GetOrCreate(stateKey(table, key))
	defer ref.Release()
	st := ref.Value()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.table, st.key = table, key

	if !st.held {
		st.holder = tg
		st.holderPriority = &priority
		st.held = true
		if _, err := m.data.WriteLock(table, key, tg); err != nil {
			return GRANTED, ids.TransactionGroup{}, err
		}
		metrics.LocksHeld.Inc()
		return GRANTED, ids.TransactionGroup{}, nil
	}

	if st.holder == tg {
		return GRANTED, ids.TransactionGroup{}, nil
	}

	holderPriority := uint64(0)
	if st.holderPriority != nil {
		holderPriority = *st.holderPriority
	}

	if priority < holderPriority {
		victim := st.holder
		st.holder = tg
		st.holderPriority = &priority
		st.waiting = removeWaiter(st.waiting, tg)
		if _, err := m.data.WriteLock(table, key, tg); err != nil {
			return WOUND, victim, err
		}
		return WOUND, victim, nil
	}

	st.waiting = append(st.waiting, waiter{group: tg, priority: priority})
	metrics.LocksQueuedTotal.Inc()
	return QUEUED, ids.TransactionGroup{}, nil
}

func removeWaiter(ws []waiter, tg ids.TransactionGroup) []waiter {
	out := ws[:0]
	for _, w := range ws {
		if w.group != tg {
			out = append(out, w)
		}
	}
	return out
}

// Unlock releases tg's hold on (table,key), if tg is in fact the
// holder, promoting the next FIFO waiter (if any) to holder.
func (m *Manager) Unlock(table, key []byte, tg ids.TransactionGroup) error {
	ref := m.table.GetOrCreate(stateKey(table, key))
	defer ref.Release()
	st := ref.Value()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.held || st.holder != tg {
		return nil
	}

	if len(st.waiting) == 0 {
		st.held = false
		st.holder = ids.TransactionGroup{}
		st.holderPriority = nil
		_, err := m.data.ClearLock(table, key)
		metrics.LocksHeld.Dec()
		return err
	}

	next := st.waiting[0]
	st.waiting = st.waiting[1:]
	st.holder = next.group
	p := next.priority
	st.holderPriority = &p
	_, err := m.data.WriteLock(table, key, next.group)
	return err
}

// Holder reports the current holder of (table,key), if any.
func (m *Manager) Holder(table, key []byte) (ids.TransactionGroup, bool) {
	ref, ok := m.table.Lookup(stateKey(table, key))
	if !ok {
		return ids.TransactionGroup{}, false
	}
	defer ref.Release()
	st := ref.Value()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.holder, st.held
}

// GC sweeps the underlying state table, reclaiming entries for keys no
// longer referenced by any in-flight handler.
func (m *Manager) GC() { m.table.GC() }
