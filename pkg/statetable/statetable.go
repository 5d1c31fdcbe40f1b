// Package statetable provides a generic, sharded, reference-counted
// keyed map of in-flight operation state: transactions, lock state,
// replicators, and migrators.
//
// A handler looks up or creates an entry via GetOrCreate, which returns
// a Ref pinning that entry in the table for the handler's duration; the
// entry is only eligible for garbage collection once every outstanding
// Ref has been released, when a background sweeper (Table.GC) may
// finalize it.
package statetable

import (
	"sync"
)

const shardCount = 16

// Table is a sharded map from K to *V, with cooperative reference
// counting per entry.
type Table[K comparable, V any] struct {
	shards [shardCount]shard[K, V]
	hash   func(K) uint32
	newFn  func(K) *V
}

type entry[V any] struct {
	value    *V
	refcount int
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New creates a Table. hash stripes keys across shards to reduce
// contention; newFn constructs a fresh zero-value entry for a key not
// yet present.
func New[K comparable, V any](hash func(K) uint32, newFn func(K) *V) *Table[K, V] {
	t := &Table[K, V]{hash: hash, newFn: newFn}
	for i := range t.shards {
		t.shards[i].entries = make(map[K]*entry[V])
	}
	return t
}

func (t *Table[K, V]) shardFor(k K) *shard[K, V] {
	return &t.shards[t.hash(k)%shardCount]
}

// Ref is a scoped handle on a table entry, pinning it against garbage
// collection until Release is called: get a reference, mutate under
// its lock, release.
type Ref[K comparable, V any] struct {
	table *Table[K, V]
	shard *shard[K, V]
	key   K
	ent   *entry[V]
}

// Value returns the referenced entry's value pointer, safe to mutate
// for the lifetime of the Ref.
func (r *Ref[K, V]) Value() *V { return r.ent.value }

// Release drops this reference. Once the last outstanding Ref on a key
// is released, the entry becomes eligible for collection by GC.
func (r *Ref[K, V]) Release() {
	r.shard.mu.Lock()
	defer r.shard.mu.Unlock()
	r.ent.refcount--
}

// GetOrCreate returns a pinned Ref to the entry for key, constructing
// one via newFn if absent.
func (t *Table[K, V]) GetOrCreate(key K) *Ref[K, V] {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{value: t.newFn(key)}
		s.entries[key] = e
	}
	e.refcount++
	return &Ref[K, V]{table: t, shard: s, key: key, ent: e}
}

// Lookup returns a pinned Ref to key's entry if it already exists,
// without creating one.
func (t *Table[K, V]) Lookup(key K) (*Ref[K, V], bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e.refcount++
	return &Ref[K, V]{table: t, shard: s, key: key, ent: e}, true
}

// Len reports the number of live entries across all shards, live
// including those pending collection.
func (t *Table[K, V]) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].entries)
		t.shards[i].mu.Unlock()
	}
	return n
}

// Range calls fn once for every live entry's value, across all shards.
// fn must not call back into the Table (GetOrCreate, Lookup, GC) since
// Range holds each shard's lock while iterating it.
func (t *Table[K, V]) Range(fn func(*V)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			fn(e.value)
		}
		s.mu.Unlock()
	}
}

// GC sweeps every shard once, deleting entries whose refcount has
// reached zero. It is meant to be run periodically by a background
// sweeper goroutine.
func (t *Table[K, V]) GC() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.refcount <= 0 {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
