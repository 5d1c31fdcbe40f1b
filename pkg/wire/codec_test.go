package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consusdb/consus/pkg/ids"
)

func TestTxmanWriteRoundTrip(t *testing.T) {
	in := TxmanWrite{
		Txn:   ids.TxID{GroupID: 7, Seq: 3, StartTS: 42},
		Nonce: 99,
		Slot:  5,
		Table: []byte("accounts"),
		Key:   []byte("alice"),
		Value: []byte("100"),
	}
	out, err := DecodeTxmanWrite(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestTxmanWriteEmptyValueIsTombstone(t *testing.T) {
	in := TxmanWrite{
		Txn:   ids.TxID{GroupID: 1, Seq: 1, StartTS: 1},
		Table: []byte("t"),
		Key:   []byte("k"),
		Value: []byte{},
	}
	out, err := DecodeTxmanWrite(in.Encode())
	require.NoError(t, err)
	require.Empty(t, out.Value)
}

func TestTxmanReadRoundTrip(t *testing.T) {
	in := TxmanRead{
		Txn:   ids.TxID{GroupID: 2, Seq: 9, StartTS: 18},
		Nonce: 4,
		Table: []byte("t"),
		Key:   []byte("k"),
	}
	out, err := DecodeTxmanRead(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestClientResponseRoundTrip(t *testing.T) {
	in := ClientResponse{Nonce: 1, RC: COMMITTED, Timestamp: 123, Value: []byte("v")}
	out, err := DecodeClientResponse(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSRepRdRoundTrip(t *testing.T) {
	in := KVSRepRd{StateKey: 0xdeadbeef, Table: []byte("t"), Key: []byte("k"), Timestamp: 77}
	out, err := DecodeKVSRepRd(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSRepRdRespRoundTrip(t *testing.T) {
	in := KVSRepRdResp{StateKey: 1, RC: SUCCESS, Timestamp: 5, Value: []byte("hi")}
	out, err := DecodeKVSRepRdResp(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSRepWrRoundTrip(t *testing.T) {
	in := KVSRepWr{
		StateKey:  2,
		Phase:     PhaseFinish,
		Table:     []byte("t"),
		Key:       []byte("k"),
		Timestamp: 9,
		Value:     []byte("v"),
	}
	out, err := DecodeKVSRepWr(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSRepWrRespRoundTrip(t *testing.T) {
	in := KVSRepWrResp{StateKey: 3, RC: ABORTED}
	out, err := DecodeKVSRepWrResp(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSRawRdWrRoundTrip(t *testing.T) {
	rd := KVSRawRd{Table: []byte("t"), Key: []byte("k"), Timestamp: 1}
	rdOut, err := DecodeKVSRawRd(rd.Encode())
	require.NoError(t, err)
	require.Equal(t, rd, rdOut)

	rdResp := KVSRawRdResp{RC: NOT_FOUND, Timestamp: 0, Value: nil}
	rdRespOut, err := DecodeKVSRawRdResp(rdResp.Encode())
	require.NoError(t, err)
	require.Equal(t, rdResp.RC, rdRespOut.RC)

	wr := KVSRawWr{Table: []byte("t"), Key: []byte("k"), Timestamp: 2, Value: []byte("v")}
	wrOut, err := DecodeKVSRawWr(wr.Encode())
	require.NoError(t, err)
	require.Equal(t, wr, wrOut)

	wrResp := KVSRawWrResp{RC: SUCCESS}
	wrRespOut, err := DecodeKVSRawWrResp(wrResp.Encode())
	require.NoError(t, err)
	require.Equal(t, wrResp, wrRespOut)
}

func TestKVSLockOpRoundTrip(t *testing.T) {
	in := KVSLockOp{
		StateKey: 4,
		Table:    []byte("t"),
		Key:      []byte("k"),
		Group:    ids.TransactionGroup{GroupID: 1, Seq: 2},
		Priority: 55,
		Op:       LockOpLock,
	}
	out, err := DecodeKVSLockOp(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestKVSLockOpRespRoundTrip(t *testing.T) {
	in := KVSLockOpResp{
		StateKey: 4,
		RC:       ABORTED,
		Victim:   ids.TransactionGroup{GroupID: 2, Seq: 5},
	}
	out, err := DecodeKVSLockOpResp(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)

	granted := KVSLockOpResp{StateKey: 9, RC: SUCCESS}
	grantedOut, err := DecodeKVSLockOpResp(granted.Encode())
	require.NoError(t, err)
	require.Equal(t, granted, grantedOut)
}

func TestKVSRawLkRoundTrip(t *testing.T) {
	in := KVSRawLk{
		Table: []byte("t"),
		Key:   []byte("k"),
		Group: ids.TransactionGroup{GroupID: 9, Seq: 1},
		Op:    LockOpUnlock,
	}
	out, err := DecodeKVSRawLk(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)

	resp := KVSRawLkResp{RC: SUCCESS}
	respOut, err := DecodeKVSRawLkResp(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, respOut)
}

func TestWoundXactRoundTrip(t *testing.T) {
	in := WoundXact{Victim: ids.TransactionGroup{GroupID: 3, Seq: 7}}
	out, err := DecodeWoundXact(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMigrateSynAckRoundTrip(t *testing.T) {
	syn := MigrateSyn{
		Partition: 12,
		BatchID:   8,
		Done:      true,
		Records: []MigrateRecord{
			{Table: []byte("t"), Key: []byte("a"), Timestamp: 1, Value: []byte("x")},
			{Table: []byte("t"), Key: []byte("b"), Timestamp: 2, Value: []byte{}},
		},
	}
	out, err := DecodeMigrateSyn(syn.Encode())
	require.NoError(t, err)
	require.Equal(t, syn, out)

	ack := MigrateAck{Partition: 12, BatchID: 8, RC: SUCCESS}
	ackOut, err := DecodeMigrateAck(ack.Encode())
	require.NoError(t, err)
	require.Equal(t, ack, ackOut)
}

func TestDecodeTruncatedPayloadsError(t *testing.T) {
	_, err := DecodeTxmanWrite(nil)
	require.Error(t, err)

	_, err = DecodeClientResponse([]byte{1})
	require.Error(t, err)

	_, err = DecodeKVSLockOp([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.Error(t, err)
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "TXMAN_WRITE", TXMAN_WRITE.String())
	require.Equal(t, "MIGRATE_ACK", MIGRATE_ACK.String())
}

func TestReturnCodeString(t *testing.T) {
	require.Equal(t, "COMMITTED", COMMITTED.String())
}
