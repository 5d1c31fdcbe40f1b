package dispatch

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/wire"
)

func newTestKVS(t *testing.T) *KVS {
	t.Helper()
	d, err := datalayer.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewKVS(ids.KVSID(1), d)
}

// roundTrip runs Handle for one frame and returns the single response
// frame it writes. net.Pipe is synchronous, so Handle runs in its own
// goroutine while the test side reads.
func roundTrip(t *testing.T, k *KVS, m wire.Message) wire.Message {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go k.Handle(wire.NewConn(server), m)

	resp, err := wire.NewConn(client).Recv()
	require.NoError(t, err)
	return resp
}

func TestKVSReplicatedWriteThenRead(t *testing.T) {
	k := newTestKVS(t)
	table, key := []byte("t"), []byte("k")

	begin := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_WR, Payload: wire.KVSRepWr{
		StateKey: 7, Phase: wire.PhaseBegin, Table: table, Key: key, Timestamp: 10,
	}.Encode()})
	require.Equal(t, wire.KVS_REP_WR_RESP, begin.Type)
	beginResp, err := wire.DecodeKVSRepWrResp(begin.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, beginResp.RC)
	require.Equal(t, uint64(7), beginResp.StateKey)

	finish := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_WR, Payload: wire.KVSRepWr{
		StateKey: 7, Phase: wire.PhaseFinish, Table: table, Key: key, Timestamp: 10, Value: []byte("v1"),
	}.Encode()})
	finishResp, err := wire.DecodeKVSRepWrResp(finish.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, finishResp.RC)

	read := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_RD, Payload: wire.KVSRepRd{
		StateKey: 8, Table: table, Key: key, Timestamp: 15,
	}.Encode()})
	require.Equal(t, wire.KVS_REP_RD_RESP, read.Type)
	readResp, err := wire.DecodeKVSRepRdResp(read.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, readResp.RC)
	require.Equal(t, uint64(10), readResp.Timestamp)
	require.Equal(t, []byte("v1"), readResp.Value)

	early := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_RD, Payload: wire.KVSRepRd{
		StateKey: 9, Table: table, Key: key, Timestamp: 9,
	}.Encode()})
	earlyResp, err := wire.DecodeKVSRepRdResp(early.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.NOT_FOUND, earlyResp.RC)
}

func TestKVSWriteCancelDropsReservation(t *testing.T) {
	k := newTestKVS(t)
	table, key := []byte("t"), []byte("k")

	roundTrip(t, k, wire.Message{Type: wire.KVS_REP_WR, Payload: wire.KVSRepWr{
		StateKey: 1, Phase: wire.PhaseBegin, Table: table, Key: key, Timestamp: 20,
	}.Encode()})
	cancel := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_WR, Payload: wire.KVSRepWr{
		StateKey: 1, Phase: wire.PhaseCancel, Table: table, Key: key,
	}.Encode()})
	cancelResp, err := wire.DecodeKVSRepWrResp(cancel.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, cancelResp.RC)

	read := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_RD, Payload: wire.KVSRepRd{
		StateKey: 2, Table: table, Key: key, Timestamp: 100,
	}.Encode()})
	readResp, err := wire.DecodeKVSRepRdResp(read.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.NOT_FOUND, readResp.RC, "cancelled write must not become visible")
}

func TestKVSLockOpWoundWait(t *testing.T) {
	k := newTestKVS(t)
	table, key := []byte("t"), []byte("k")
	younger := ids.TransactionGroup{GroupID: 1, Seq: 2}
	older := ids.TransactionGroup{GroupID: 1, Seq: 1}

	grant := roundTrip(t, k, wire.Message{Type: wire.KVS_LOCK_OP, Payload: wire.KVSLockOp{
		StateKey: 1, Table: table, Key: key, Group: younger, Priority: 200, Op: wire.LockOpLock,
	}.Encode()})
	require.Equal(t, wire.KVS_LOCK_OP_RESP, grant.Type)
	grantResp, err := wire.DecodeKVSLockOpResp(grant.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, grantResp.RC)

	// An older (higher-priority) transaction wounds the younger holder.
	wound := roundTrip(t, k, wire.Message{Type: wire.KVS_LOCK_OP, Payload: wire.KVSLockOp{
		StateKey: 2, Table: table, Key: key, Group: older, Priority: 100, Op: wire.LockOpLock,
	}.Encode()})
	woundResp, err := wire.DecodeKVSLockOpResp(wound.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.ABORTED, woundResp.RC)
	require.Equal(t, younger, woundResp.Victim)

	unlock := roundTrip(t, k, wire.Message{Type: wire.KVS_LOCK_OP, Payload: wire.KVSLockOp{
		StateKey: 3, Table: table, Key: key, Group: younger, Op: wire.LockOpUnlock,
	}.Encode()})
	unlockResp, err := wire.DecodeKVSLockOpResp(unlock.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, unlockResp.RC)
}

func TestKVSMigrateSynApplies(t *testing.T) {
	k := newTestKVS(t)

	syn := wire.MigrateSyn{
		Partition: ids.PartitionID(4),
		BatchID:   1,
		Records: []wire.MigrateRecord{
			{Table: []byte("t"), Key: []byte("k"), Timestamp: 5, Value: []byte("v")},
		},
	}
	ack := roundTrip(t, k, wire.Message{Type: wire.MIGRATE_SYN, Payload: syn.Encode()})
	require.Equal(t, wire.MIGRATE_ACK, ack.Type)
	ackResp, err := wire.DecodeMigrateAck(ack.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, ackResp.RC)
	require.Equal(t, uint64(1), ackResp.BatchID)

	read := roundTrip(t, k, wire.Message{Type: wire.KVS_REP_RD, Payload: wire.KVSRepRd{
		StateKey: 1, Table: []byte("t"), Key: []byte("k"), Timestamp: 5,
	}.Encode()})
	readResp, err := wire.DecodeKVSRepRdResp(read.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, readResp.RC)
	require.Equal(t, []byte("v"), readResp.Value)

	// Re-applying the same batch is a no-op, not an error.
	again := roundTrip(t, k, wire.Message{Type: wire.MIGRATE_SYN, Payload: syn.Encode()})
	againResp, err := wire.DecodeMigrateAck(again.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.SUCCESS, againResp.RC)
}
