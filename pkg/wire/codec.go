package wire

import (
	"fmt"

	"github.com/consusdb/consus/pkg/ids"
)

// Each payload type below corresponds to one wire message type.
// Encoding follows the same varint/length-prefix conventions as
// pkg/ids.

// TxmanWrite is the client->TXMAN write request (TXMAN_WRITE).
type TxmanWrite struct {
	Txn   ids.TxID
	Nonce uint64
	Slot  ids.Slot
	Table []byte
	Key   []byte
	Value []byte
}

func (m TxmanWrite) Encode() []byte {
	buf := ids.PutTxID(nil, m.Txn)
	buf = ids.PutUvarint(buf, m.Nonce)
	buf = ids.PutUvarint(buf, uint64(m.Slot))
	buf = ids.PutBytes(buf, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeTxmanWrite(buf []byte) (TxmanWrite, error) {
	var m TxmanWrite
	var n int

	m.Txn, n = ids.GetTxID(buf)
	if n == 0 {
		return m, errTruncated("TXMAN_WRITE.txn")
	}
	buf = buf[n:]

	m.Nonce, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("TXMAN_WRITE.nonce")
	}
	buf = buf[n:]

	slot, n := ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("TXMAN_WRITE.slot")
	}
	m.Slot = ids.Slot(slot)
	buf = buf[n:]

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("TXMAN_WRITE.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("TXMAN_WRITE.key")
	}
	buf = buf[n:]

	if m.Value, _ = ids.GetBytes(buf); m.Value == nil {
		m.Value = []byte{}
	}
	return m, nil
}

// TxmanRead is the client->TXMAN read request (TXMAN_READ).
type TxmanRead struct {
	Txn   ids.TxID
	Nonce uint64
	Table []byte
	Key   []byte
}

func (m TxmanRead) Encode() []byte {
	buf := ids.PutTxID(nil, m.Txn)
	buf = ids.PutUvarint(buf, m.Nonce)
	buf = ids.PutBytes(buf, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	return buf
}

func DecodeTxmanRead(buf []byte) (TxmanRead, error) {
	var m TxmanRead
	var n int

	m.Txn, n = ids.GetTxID(buf)
	if n == 0 {
		return m, errTruncated("TXMAN_READ.txn")
	}
	buf = buf[n:]

	m.Nonce, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("TXMAN_READ.nonce")
	}
	buf = buf[n:]

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("TXMAN_READ.table")
	}
	buf = buf[n:]

	if m.Key, _ = ids.GetBytes(buf); m.Key == nil {
		return m, errTruncated("TXMAN_READ.key")
	}
	return m, nil
}

// ClientResponse is the terminal reply delivered back to a waiting
// client, regardless of which request it answers (CLIENT_RESPONSE).
type ClientResponse struct {
	Nonce     uint64
	RC        ReturnCode
	Timestamp uint64
	Value     []byte
}

func (m ClientResponse) Encode() []byte {
	buf := ids.PutUvarint(nil, m.Nonce)
	buf = append(buf, byte(m.RC))
	buf = ids.PutUvarint(buf, m.Timestamp)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeClientResponse(buf []byte) (ClientResponse, error) {
	var m ClientResponse
	var n int

	m.Nonce, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("CLIENT_RESPONSE.nonce")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return m, errTruncated("CLIENT_RESPONSE.rc")
	}
	m.RC = ReturnCode(buf[0])
	buf = buf[1:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("CLIENT_RESPONSE.timestamp")
	}
	buf = buf[n:]

	m.Value, _ = ids.GetBytes(buf)
	return m, nil
}

// KVSRepRd is a quorum read issued against a replicated key (KVS_REP_RD),
// addressed by the state_key that names the lock/data record set under
// replication.
type KVSRepRd struct {
	StateKey  uint64
	Table     []byte
	Key       []byte
	Timestamp uint64
}

func (m KVSRepRd) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = ids.PutBytes(buf, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutUvarint(buf, m.Timestamp)
	return buf
}

func DecodeKVSRepRd(buf []byte) (KVSRepRd, error) {
	var m KVSRepRd
	var ok bool
	var n int

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_REP_RD.state_key")
	}
	buf = buf[8:]

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_REP_RD.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_REP_RD.key")
	}
	buf = buf[n:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_REP_RD.timestamp")
	}
	return m, nil
}

// KVSRepRdResp answers a KVS_REP_RD from a single replica.
type KVSRepRdResp struct {
	StateKey  uint64
	RC        ReturnCode
	Timestamp uint64
	Value     []byte
}

func (m KVSRepRdResp) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = append(buf, byte(m.RC))
	buf = ids.PutUvarint(buf, m.Timestamp)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeKVSRepRdResp(buf []byte) (KVSRepRdResp, error) {
	var m KVSRepRdResp
	var ok bool
	var n int

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_REP_RD_RESP.state_key")
	}
	buf = buf[8:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_REP_RD_RESP.rc")
	}
	m.RC = ReturnCode(buf[0])
	buf = buf[1:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_REP_RD_RESP.timestamp")
	}
	buf = buf[n:]

	m.Value, _ = ids.GetBytes(buf)
	return m, nil
}

// WritePhase distinguishes the two-phase shape of a replicated write:
// a replica first records a pending write (Begin), then is told to make
// it visible (Finish) or to discard it (Cancel).
type WritePhase uint8

const (
	PhaseBegin WritePhase = iota
	PhaseFinish
	PhaseCancel
)

// KVSRepWr is a replicated write sent to every replica of a partition
// (KVS_REP_WR).
type KVSRepWr struct {
	StateKey  uint64
	Phase     WritePhase
	Table     []byte
	Key       []byte
	Timestamp uint64
	Value     []byte
}

func (m KVSRepWr) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = append(buf, byte(m.Phase))
	buf = ids.PutBytes(buf, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutUvarint(buf, m.Timestamp)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeKVSRepWr(buf []byte) (KVSRepWr, error) {
	var m KVSRepWr
	var ok bool
	var n int

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_REP_WR.state_key")
	}
	buf = buf[8:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_REP_WR.phase")
	}
	m.Phase = WritePhase(buf[0])
	buf = buf[1:]

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_REP_WR.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_REP_WR.key")
	}
	buf = buf[n:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_REP_WR.timestamp")
	}
	buf = buf[n:]

	m.Value, _ = ids.GetBytes(buf)
	return m, nil
}

// KVSRepWrResp answers a KVS_REP_WR from a single replica.
type KVSRepWrResp struct {
	StateKey uint64
	RC       ReturnCode
}

func (m KVSRepWrResp) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = append(buf, byte(m.RC))
	return buf
}

func DecodeKVSRepWrResp(buf []byte) (KVSRepWrResp, error) {
	var m KVSRepWrResp
	var ok bool

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_REP_WR_RESP.state_key")
	}
	buf = buf[8:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_REP_WR_RESP.rc")
	}
	m.RC = ReturnCode(buf[0])
	return m, nil
}

// KVSRawRd/KVSRawWr carry the same payload shape as their REP
// counterparts but name the single-replica, non-quorum intra-KVS path
// used once a replica is already known to hold the record (e.g. the
// owning replica applying its own local copy).
type KVSRawRd struct {
	Table     []byte
	Key       []byte
	Timestamp uint64
}

func (m KVSRawRd) Encode() []byte {
	buf := ids.PutBytes(nil, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutUvarint(buf, m.Timestamp)
	return buf
}

func DecodeKVSRawRd(buf []byte) (KVSRawRd, error) {
	var m KVSRawRd
	var n int

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_RD.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_RD.key")
	}
	buf = buf[n:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_RAW_RD.timestamp")
	}
	return m, nil
}

type KVSRawRdResp struct {
	RC        ReturnCode
	Timestamp uint64
	Value     []byte
}

func (m KVSRawRdResp) Encode() []byte {
	buf := []byte{byte(m.RC)}
	buf = ids.PutUvarint(buf, m.Timestamp)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeKVSRawRdResp(buf []byte) (KVSRawRdResp, error) {
	var m KVSRawRdResp
	var n int

	if len(buf) < 1 {
		return m, errTruncated("KVS_RAW_RD_RESP.rc")
	}
	m.RC = ReturnCode(buf[0])
	buf = buf[1:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_RAW_RD_RESP.timestamp")
	}
	buf = buf[n:]

	m.Value, _ = ids.GetBytes(buf)
	return m, nil
}

type KVSRawWr struct {
	Table     []byte
	Key       []byte
	Timestamp uint64
	Value     []byte
}

func (m KVSRawWr) Encode() []byte {
	buf := ids.PutBytes(nil, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutUvarint(buf, m.Timestamp)
	buf = ids.PutBytes(buf, m.Value)
	return buf
}

func DecodeKVSRawWr(buf []byte) (KVSRawWr, error) {
	var m KVSRawWr
	var n int

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_WR.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_WR.key")
	}
	buf = buf[n:]

	m.Timestamp, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_RAW_WR.timestamp")
	}
	buf = buf[n:]

	m.Value, _ = ids.GetBytes(buf)
	return m, nil
}

type KVSRawWrResp struct {
	RC ReturnCode
}

func (m KVSRawWrResp) Encode() []byte { return []byte{byte(m.RC)} }

func DecodeKVSRawWrResp(buf []byte) (KVSRawWrResp, error) {
	if len(buf) < 1 {
		return KVSRawWrResp{}, errTruncated("KVS_RAW_WR_RESP.rc")
	}
	return KVSRawWrResp{RC: ReturnCode(buf[0])}, nil
}

// KVSLockOp requests a lock/unlock against a key on behalf of a
// transaction group, carrying that group's wound-wait priority so the
// lock manager can decide to wait, grant, or wound (KVS_LOCK_OP).
type KVSLockOp struct {
	StateKey uint64
	Table    []byte
	Key      []byte
	Group    ids.TransactionGroup
	Priority uint64
	Op       LockOp
}

func (m KVSLockOp) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = ids.PutBytes(buf, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutGroup(buf, m.Group)
	buf = ids.PutUvarint(buf, m.Priority)
	buf = append(buf, byte(m.Op))
	return buf
}

func DecodeKVSLockOp(buf []byte) (KVSLockOp, error) {
	var m KVSLockOp
	var ok bool
	var n int

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_LOCK_OP.state_key")
	}
	buf = buf[8:]

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_LOCK_OP.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_LOCK_OP.key")
	}
	buf = buf[n:]

	m.Group, n = ids.GetGroup(buf)
	if n == 0 {
		return m, errTruncated("KVS_LOCK_OP.group")
	}
	buf = buf[n:]

	m.Priority, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("KVS_LOCK_OP.priority")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_LOCK_OP.op")
	}
	m.Op = LockOp(buf[0])
	return m, nil
}

// KVSLockOpResp answers a KVS_LOCK_OP: the outcome of the lock/unlock
// attempt, and — when RC is ABORTED because this request wounded a
// younger transaction out of the way — the victim group the coordinator
// must deliver WOUND_XACT to.
type KVSLockOpResp struct {
	StateKey uint64
	RC       ReturnCode
	Victim   ids.TransactionGroup
}

func (m KVSLockOpResp) Encode() []byte {
	buf := ids.PutUint64BE(nil, m.StateKey)
	buf = append(buf, byte(m.RC))
	buf = ids.PutGroup(buf, m.Victim)
	return buf
}

func DecodeKVSLockOpResp(buf []byte) (KVSLockOpResp, error) {
	var m KVSLockOpResp
	var ok bool
	var n int

	if m.StateKey, ok = ids.GetUint64BE(buf); !ok {
		return m, errTruncated("KVS_LOCK_OP_RESP.state_key")
	}
	buf = buf[8:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_LOCK_OP_RESP.rc")
	}
	m.RC = ReturnCode(buf[0])
	buf = buf[1:]

	m.Victim, n = ids.GetGroup(buf)
	if n == 0 {
		return m, errTruncated("KVS_LOCK_OP_RESP.victim")
	}
	return m, nil
}

// KVSRawLk propagates a lock grant/release to the replicas of the key's
// partition once the owning replica has decided the outcome.
type KVSRawLk struct {
	Table []byte
	Key   []byte
	Group ids.TransactionGroup
	Op    LockOp
}

func (m KVSRawLk) Encode() []byte {
	buf := ids.PutBytes(nil, m.Table)
	buf = ids.PutBytes(buf, m.Key)
	buf = ids.PutGroup(buf, m.Group)
	buf = append(buf, byte(m.Op))
	return buf
}

func DecodeKVSRawLk(buf []byte) (KVSRawLk, error) {
	var m KVSRawLk
	var n int

	if m.Table, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_LK.table")
	}
	buf = buf[n:]

	if m.Key, n = ids.GetBytes(buf); n == 0 {
		return m, errTruncated("KVS_RAW_LK.key")
	}
	buf = buf[n:]

	m.Group, n = ids.GetGroup(buf)
	if n == 0 {
		return m, errTruncated("KVS_RAW_LK.group")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return m, errTruncated("KVS_RAW_LK.op")
	}
	m.Op = LockOp(buf[0])
	return m, nil
}

type KVSRawLkResp struct {
	RC ReturnCode
}

func (m KVSRawLkResp) Encode() []byte { return []byte{byte(m.RC)} }

func DecodeKVSRawLkResp(buf []byte) (KVSRawLkResp, error) {
	if len(buf) < 1 {
		return KVSRawLkResp{}, errTruncated("KVS_RAW_LK_RESP.rc")
	}
	return KVSRawLkResp{RC: ReturnCode(buf[0])}, nil
}

// WoundXact tells a transaction group's TXMAN to abort the named
// transaction so an older, blocked transaction can proceed (WOUND_XACT).
type WoundXact struct {
	Victim ids.TransactionGroup
}

func (m WoundXact) Encode() []byte {
	return ids.PutGroup(nil, m.Victim)
}

func DecodeWoundXact(buf []byte) (WoundXact, error) {
	g, n := ids.GetGroup(buf)
	if n == 0 {
		return WoundXact{}, errTruncated("WOUND_XACT.victim")
	}
	return WoundXact{Victim: g}, nil
}

// MigrateSyn offers a batch of records during partition migration; the
// receiver acks each accepted batch with MigrateAck (MIGRATE_SYN).
type MigrateSyn struct {
	Partition ids.PartitionID
	BatchID   uint64
	Done      bool
	Records   []MigrateRecord
}

// MigrateRecord is one (table,key,timestamp,value) tuple moved by a
// migration batch.
type MigrateRecord struct {
	Table     []byte
	Key       []byte
	Timestamp uint64
	Value     []byte
}

func (m MigrateSyn) Encode() []byte {
	buf := ids.PutUvarint(nil, uint64(m.Partition))
	buf = ids.PutUvarint(buf, m.BatchID)
	if m.Done {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = ids.PutUvarint(buf, uint64(len(m.Records)))
	for _, r := range m.Records {
		buf = ids.PutBytes(buf, r.Table)
		buf = ids.PutBytes(buf, r.Key)
		buf = ids.PutUvarint(buf, r.Timestamp)
		buf = ids.PutBytes(buf, r.Value)
	}
	return buf
}

func DecodeMigrateSyn(buf []byte) (MigrateSyn, error) {
	var m MigrateSyn
	var n int

	part, n := ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("MIGRATE_SYN.partition")
	}
	m.Partition = ids.PartitionID(part)
	buf = buf[n:]

	m.BatchID, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("MIGRATE_SYN.batch_id")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return m, errTruncated("MIGRATE_SYN.done")
	}
	m.Done = buf[0] != 0
	buf = buf[1:]

	count, n := ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("MIGRATE_SYN.count")
	}
	buf = buf[n:]

	m.Records = make([]MigrateRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var r MigrateRecord

		if r.Table, n = ids.GetBytes(buf); n == 0 {
			return m, errTruncated("MIGRATE_SYN.record.table")
		}
		buf = buf[n:]

		if r.Key, n = ids.GetBytes(buf); n == 0 {
			return m, errTruncated("MIGRATE_SYN.record.key")
		}
		buf = buf[n:]

		r.Timestamp, n = ids.Uvarint(buf)
		if n <= 0 {
			return m, errTruncated("MIGRATE_SYN.record.timestamp")
		}
		buf = buf[n:]

		if r.Value, n = ids.GetBytes(buf); n == 0 {
			return m, errTruncated("MIGRATE_SYN.record.value")
		}
		buf = buf[n:]

		m.Records = append(m.Records, r)
	}
	return m, nil
}

// MigrateAck acknowledges a MigrateSyn batch (MIGRATE_ACK).
type MigrateAck struct {
	Partition ids.PartitionID
	BatchID   uint64
	RC        ReturnCode
}

func (m MigrateAck) Encode() []byte {
	buf := ids.PutUvarint(nil, uint64(m.Partition))
	buf = ids.PutUvarint(buf, m.BatchID)
	buf = append(buf, byte(m.RC))
	return buf
}

func DecodeMigrateAck(buf []byte) (MigrateAck, error) {
	var m MigrateAck
	var n int

	part, n := ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("MIGRATE_ACK.partition")
	}
	m.Partition = ids.PartitionID(part)
	buf = buf[n:]

	m.BatchID, n = ids.Uvarint(buf)
	if n <= 0 {
		return m, errTruncated("MIGRATE_ACK.batch_id")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return m, errTruncated("MIGRATE_ACK.rc")
	}
	m.RC = ReturnCode(buf[0])
	return m, nil
}

func errTruncated(field string) error {
	return fmt.Errorf("wire: truncated or malformed %s", field)
}
