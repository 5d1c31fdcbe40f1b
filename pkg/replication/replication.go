// Package replication implements the three replicated pipelines a
// transaction manager drives against a key's owning partition: the
// quorum read, the two-phase write, and the lock replicator. Each
// aggregates per-replica outcomes produced by calling a small Replica
// interface, keeping the aggregation logic (quorum counting,
// timestamp tie-break, wound propagation) independent of any concrete
// transport; pkg/dispatch wires these against real pkg/wire
// connections to remote KVS daemons.
package replication

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/lockmgr"
	"github.com/consusdb/consus/pkg/wire"
)

// ReadReplica is one replica's local answer to a quorum read.
type ReadReplica interface {
	Read(ctx context.Context, table, key []byte, timestampLE uint64) (wire.ReturnCode, uint64, []byte, error)
}

// ReadQuorum aggregates Read across a partition's replicas: the
// majority needed is ⌈R/2⌉+1, and disagreements are resolved by
// greatest timestamp, then by majority value at that timestamp.
func ReadQuorum(ctx context.Context, replicas []ReadReplica, table, key []byte, timestampLE uint64) (wire.ReturnCode, uint64, []byte, error) {
	if len(replicas) == 0 {
		return wire.UNAVAILABLE, 0, nil, fmt.Errorf("replication: no replicas for read")
	}

	type result struct {
		rc    wire.ReturnCode
		ts    uint64
		value []byte
		err   error
	}

	results := make([]result, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r ReadReplica) {
			defer wg.Done()
			rc, ts, v, err := r.Read(ctx, table, key, timestampLE)
			results[i] = result{rc: rc, ts: ts, value: v, err: err}
		}(i, r)
	}
	wg.Wait()

	need := len(replicas)/2 + 1

	bestTS := uint64(0)
	bestIdx := -1
	found := 0
	notFound := 0
	for i, res := range results {
		if res.err != nil {
			continue
		}
		switch res.rc {
		case wire.SUCCESS:
			found++
			if bestIdx == -1 || res.ts > bestTS {
				bestTS = res.ts
				bestIdx = i
			}
		case wire.NOT_FOUND:
			notFound++
		}
	}

	if found >= need {
		ok := func(r result) bool { return r.err == nil && r.rc == wire.SUCCESS && r.ts == bestTS }
		value, votes := results[bestIdx].value, 0
		for _, a := range results {
			n := 0
			for _, b := range results {
				if ok(a) && ok(b) && bytes.Equal(a.value, b.value) {
					n++
				}
			}
			if n > votes {
				value, votes = a.value, n
			}
		}
		return wire.SUCCESS, bestTS, value, nil
	}
	if notFound >= need {
		return wire.NOT_FOUND, 0, nil, nil
	}
	return wire.UNAVAILABLE, 0, nil, nil
}

// WriteReplica is one replica's local handling of a two-phase write.
type WriteReplica interface {
	Begin(ctx context.Context, table, key []byte, tentativeTimestamp uint64) (acceptedTimestamp uint64, err error)
	Finish(ctx context.Context, table, key []byte, timestamp uint64, value []byte) error
	Cancel(ctx context.Context, table, key []byte) error
}

// Write drives the two-phase replicated write: Begin on
// every replica to reserve a slot, then Finish on every replica whose
// Begin succeeded, using the largest timestamp those Begins returned
// (never below tentativeTimestamp). If fewer than a strict majority of
// Begins succeed, the reservation is cancelled on the replicas that
// did accept it and SERVER_ERROR is returned.
func Write(ctx context.Context, replicas []WriteReplica, table, key []byte, tentativeTimestamp uint64, value []byte) (wire.ReturnCode, uint64, error) {
	if len(replicas) == 0 {
		return wire.UNAVAILABLE, 0, fmt.Errorf("replication: no replicas for write")
	}

	accepted := make([]uint64, len(replicas))
	errs := make([]error, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r WriteReplica) {
			defer wg.Done()
			ts, err := r.Begin(ctx, table, key, tentativeTimestamp)
			accepted[i] = ts
			errs[i] = err
		}(i, r)
	}
	wg.Wait()

	failures := 0
	chosen := tentativeTimestamp
	for i, err := range errs {
		if err != nil {
			failures++
			continue
		}
		if accepted[i] > chosen {
			chosen = accepted[i]
		}
	}

	need := len(replicas)/2 + 1
	if len(replicas)-failures < need {
		for i, r := range replicas {
			if errs[i] == nil {
				_ = r.Cancel(ctx, table, key)
			}
		}
		return wire.SERVER_ERROR, 0, nil
	}

	var finishErr error
	for i, r := range replicas {
		if errs[i] != nil {
			continue
		}
		if err := r.Finish(ctx, table, key, chosen, value); err != nil {
			finishErr = err
		}
	}
	if finishErr != nil {
		return wire.SERVER_ERROR, 0, finishErr
	}
	return wire.SUCCESS, chosen, nil
}

// LockReplica is one replica's local lock manager.
type LockReplica interface {
	Lock(ctx context.Context, table, key []byte, tg ids.TransactionGroup, priority uint64) (lockmgr.Outcome, ids.TransactionGroup, error)
	Unlock(ctx context.Context, table, key []byte, tg ids.TransactionGroup) error
}

// Lock replicates a lock acquisition across a partition's replicas:
// it succeeds once a strict majority grant the lock to tg. Any WOUND
// response is reported back to the caller, which routes a wound
// message to the victim's TXMAN group (see pkg/config's GroupOf).
func Lock(ctx context.Context, replicas []LockReplica, table, key []byte, tg ids.TransactionGroup, priority uint64) (lockmgr.Outcome, ids.TransactionGroup, error) {
	if len(replicas) == 0 {
		return lockmgr.QUEUED, ids.TransactionGroup{}, fmt.Errorf("replication: no replicas for lock")
	}

	type result struct {
		outcome lockmgr.Outcome
		victim  ids.TransactionGroup
		err     error
	}

	results := make([]result, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r LockReplica) {
			defer wg.Done()
			out, victim, err := r.Lock(ctx, table, key, tg, priority)
			results[i] = result{outcome: out, victim: victim, err: err}
		}(i, r)
	}
	wg.Wait()

	granted := 0
	var victim ids.TransactionGroup
	for _, res := range results {
		if res.err != nil {
			continue
		}
		switch res.outcome {
		case lockmgr.GRANTED:
			granted++
		case lockmgr.WOUND:
			granted++
			victim = res.victim
		}
	}

	need := len(replicas)/2 + 1
	if granted >= need {
		if victim != (ids.TransactionGroup{}) {
			return lockmgr.WOUND, victim, nil
		}
		return lockmgr.GRANTED, ids.TransactionGroup{}, nil
	}
	return lockmgr.QUEUED, ids.TransactionGroup{}, nil
}

// Unlock releases tg's lock at every replica, on both the commit and
// abort paths. Replica errors are reported but do not block the
// caller: lock release is best-effort cleanup and a stuck lock record
// is resolved later by wound-wait against the next requester.
func Unlock(ctx context.Context, replicas []LockReplica, table, key []byte, tg ids.TransactionGroup) []error {
	errs := make([]error, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r LockReplica) {
			defer wg.Done()
			errs[i] = r.Unlock(ctx, table, key, tg)
		}(i, r)
	}
	wg.Wait()
	return errs
}
