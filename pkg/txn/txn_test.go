package txn

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/lockmgr"
	"github.com/consusdb/consus/pkg/paxos"
	"github.com/consusdb/consus/pkg/replication"
	"github.com/consusdb/consus/pkg/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func toWireRC(rc datalayer.ReturnCode) wire.ReturnCode {
	switch rc {
	case datalayer.SUCCESS:
		return wire.SUCCESS
	case datalayer.NOT_FOUND:
		return wire.NOT_FOUND
	case datalayer.INVALID:
		return wire.INVALID
	default:
		return wire.SERVER_ERROR
	}
}

// fakeReplica is a single-replica backend directly wired to a real
// datalayer and lock manager, so Commit's full lock/write/release path
// runs against the same logic KVS daemons use, without a network.
type fakeReplica struct {
	data  *datalayer.Datalayer
	locks *lockmgr.Manager
}

func newFakeReplica(t *testing.T) *fakeReplica {
	t.Helper()
	d, err := datalayer.Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return &fakeReplica{data: d, locks: lockmgr.New(d)}
}

func (f *fakeReplica) Read(_ context.Context, table, key []byte, timestampLE uint64) (wire.ReturnCode, uint64, []byte, error) {
	rc, ts, v, err := f.data.Get(table, key, timestampLE)
	return toWireRC(rc), ts, v, err
}

func (f *fakeReplica) Begin(_ context.Context, _, _ []byte, tentativeTimestamp uint64) (uint64, error) {
	return tentativeTimestamp, nil
}

func (f *fakeReplica) Finish(_ context.Context, table, key []byte, timestamp uint64, value []byte) error {
	_, err := f.data.Put(table, key, timestamp, value)
	return err
}

func (f *fakeReplica) Cancel(_ context.Context, _, _ []byte) error { return nil }

func (f *fakeReplica) Lock(_ context.Context, table, key []byte, tg ids.TransactionGroup, priority uint64) (lockmgr.Outcome, ids.TransactionGroup, error) {
	return f.locks.Lock(table, key, tg, priority)
}

func (f *fakeReplica) Unlock(_ context.Context, table, key []byte, tg ids.TransactionGroup) error {
	return f.locks.Unlock(table, key, tg)
}

type fakeReplicas struct{ r *fakeReplica }

func (f fakeReplicas) ReadReplicas(_, _ []byte) ([]replication.ReadReplica, error) {
	return []replication.ReadReplica{f.r}, nil
}

func (f fakeReplicas) WriteReplicas(_, _ []byte) ([]replication.WriteReplica, error) {
	return []replication.WriteReplica{f.r}, nil
}

func (f fakeReplicas) LockReplicas(_, _ []byte) ([]replication.LockReplica, error) {
	return []replication.LockReplica{f.r}, nil
}

type fakeWoundNotifier struct {
	mu      sync.Mutex
	victims []ids.TransactionGroup
}

func (f *fakeWoundNotifier) NotifyWound(_ context.Context, victim ids.TransactionGroup) error {
	f.mu.Lock()
	f.victims = append(f.victims, victim)
	f.mu.Unlock()
	return nil
}

func (f *fakeWoundNotifier) seen(g ids.TransactionGroup) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.victims {
		if v == g {
			return true
		}
	}
	return false
}

func newManager(t *testing.T) (*Manager, *fakeReplica, *fakeWoundNotifier) {
	t.Helper()
	replica := newFakeReplica(t)
	wound := &fakeWoundNotifier{}
	m := NewManager(1, fakeReplicas{r: replica}, wound)

	dir := t.TempDir()
	addr := freeAddr(t)
	g, err := paxos.Open(dir, "node-1", addr, 1, m.Applier())
	require.NoError(t, err)
	t.Cleanup(func() { g.Shutdown() })
	require.NoError(t, g.Bootstrap(map[string]string{"node-1": addr}))
	require.Eventually(t, func() bool { return g.IsLeader() }, 5*time.Second, 20*time.Millisecond)
	m.Attach(g)

	return m, replica, wound
}

func TestCommitAcquiresLocksWritesAndReleases(t *testing.T) {
	m, replica, _ := newManager(t)
	ctx := context.Background()

	tx, err := m.Begin(100)
	require.NoError(t, err)
	require.Equal(t, StateExecuting, tx.State())

	rc, err := m.Write(ctx, tx, []byte("t"), []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, rc)

	rc, err = m.Commit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, wire.COMMITTED, rc)
	require.Equal(t, StateCommitted, tx.State())

	drc, _, v, err := replica.data.Get([]byte("t"), []byte("k"), ^uint64(0))
	require.NoError(t, err)
	require.Equal(t, datalayer.SUCCESS, drc)
	require.Equal(t, []byte("v1"), v)

	_, held := replica.locks.Holder([]byte("t"), []byte("k"))
	require.False(t, held)
}

func TestWriteAfterCommitFails(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	tx, err := m.Begin(1)
	require.NoError(t, err)

	rc, err := m.Commit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, wire.COMMITTED, rc)

	_, err = m.Write(ctx, tx, []byte("t"), []byte("k"), []byte("v"))
	require.Error(t, err)
}

func TestAbortBeforeCommitLeavesNoData(t *testing.T) {
	m, replica, _ := newManager(t)
	ctx := context.Background()

	tx, err := m.Begin(5)
	require.NoError(t, err)

	_, err = m.Write(ctx, tx, []byte("t"), []byte("k"), []byte("v"))
	require.NoError(t, err)

	rc, err := m.Abort(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, wire.ABORTED, rc)
	require.Equal(t, StateAborted, tx.State())

	drc, _, _, err := replica.data.Get([]byte("t"), []byte("k"), ^uint64(0))
	require.NoError(t, err)
	require.Equal(t, datalayer.NOT_FOUND, drc)
}

func TestWoundPropagatesAndVictimAbortsOnNextCommit(t *testing.T) {
	m, replica, wound := newManager(t)
	ctx := context.Background()

	txLow, err := m.Begin(200) // lower priority: larger start_ts
	require.NoError(t, err)
	txHigh, err := m.Begin(100) // higher priority: smaller start_ts

	require.NoError(t, err)

	// txLow already holds the lock directly at the replica, simulating
	// a transaction that committed past the lock phase before txHigh
	// ever contends.
	outcome, _, err := replica.locks.Lock([]byte("t"), []byte("k"), txLow.ID().Group(), 200)
	require.NoError(t, err)
	require.Equal(t, lockmgr.GRANTED, outcome)

	_, err = m.Write(ctx, txHigh, []byte("t"), []byte("k"), []byte("v2"))
	require.NoError(t, err)

	rc, err := m.Commit(ctx, txHigh)
	require.NoError(t, err)
	require.Equal(t, wire.COMMITTED, rc)
	require.True(t, wound.seen(txLow.ID().Group()))

	// A dispatcher delivering WOUND_XACT calls Manager.Wound; txLow
	// then aborts the next time it tries to make progress.
	m.Wound(txLow.ID().Group())

	_, err = m.Write(ctx, txLow, []byte("t"), []byte("k2"), []byte("v3"))
	require.NoError(t, err)

	rc, err = m.Commit(ctx, txLow)
	require.Error(t, err)
	require.Equal(t, wire.ABORTED, rc)
	require.Equal(t, StateAborted, txLow.State())
}

func TestResolveAdoptsClientSuppliedTxidOnFirstSight(t *testing.T) {
	m, _, _ := newManager(t)

	txid := ids.TxID{GroupID: 1, Seq: 42, StartTS: 7}
	tx, err := m.Resolve(txid)
	require.NoError(t, err)
	require.Equal(t, txid, tx.ID())
	require.Equal(t, StateExecuting, tx.State())

	again, err := m.Resolve(txid)
	require.NoError(t, err)
	require.Same(t, tx, again)
}

func TestResolveRejectsTxidFromAnotherGroup(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.Resolve(ids.TxID{GroupID: 2, Seq: 1, StartTS: 1})
	require.Error(t, err)
}

func TestPendingReportsOnlyPreparingTransactions(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	tx, err := m.Begin(1)
	require.NoError(t, err)
	_, err = m.Commit(ctx, tx)
	require.NoError(t, err)

	require.Empty(t, m.Pending())
}
