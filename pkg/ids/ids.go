// Package ids defines consus's opaque 64-bit identifier types and the
// varint / length-prefixed byte encodings used to move them across the
// wire and onto disk.
package ids

import (
	"encoding/binary"
	"fmt"
)

// ClusterID identifies a consus cluster.
type ClusterID uint64

// VersionID is a monotone configuration epoch published by the coordinator.
type VersionID uint64

// DataCenterID identifies a data center.
type DataCenterID uint64

// TxmanID identifies a transaction manager daemon.
type TxmanID uint64

// KVSID identifies a key-value storage daemon.
type KVSID uint64

// PaxosGroupID identifies a TXMAN Paxos group.
type PaxosGroupID uint64

// PartitionID identifies a shard of the keyspace owned by a KVS replica set.
type PartitionID uint64

// CommID is a logical endpoint address, resolved to a physical address by
// a Mapper.
type CommID uint64

// Slot is a position within a Paxos group's replicated log.
type Slot uint64

// TxID is a transaction identifier: the group that coordinates it, a
// sequence number unique within that group, and the start timestamp that
// doubles as the transaction's wound-wait priority (lower = older =
// higher priority).
type TxID struct {
	GroupID PaxosGroupID
	Seq     uint64
	StartTS uint64
}

// String renders a TxID for logs.
func (t TxID) String() string {
	return fmt.Sprintf("txid(group=%d,seq=%d,start_ts=%d)", t.GroupID, t.Seq, t.StartTS)
}

// Group returns the TransactionGroup that owns this transaction. A
// transaction's group is a function of its TxID alone; the group is what
// lock records and in-flight replicator state key off of.
func (t TxID) Group() TransactionGroup {
	return TransactionGroup{GroupID: t.GroupID, Seq: t.Seq}
}

// Priority returns the wound-wait priority: lower values are higher
// priority (older transactions win ties).
func (t TxID) Priority() uint64 { return t.StartTS }

// TransactionGroup is the ownership handle identifying a transaction's
// coordinating Paxos group, used as the key into the transaction and lock
// state tables. It is the TxID's GroupID+Seq quotient, dropping StartTS:
// two TxIDs with the same GroupID/Seq (e.g. observed through different
// leaders) name the same transaction.
type TransactionGroup struct {
	GroupID PaxosGroupID
	Seq     uint64
}

// IsZero reports whether g is the zero value, used as a "no group"
// sentinel (an unheld lock, a wound with no victim).
func (g TransactionGroup) IsZero() bool {
	return g.GroupID == 0 && g.Seq == 0
}

func (g TransactionGroup) String() string {
	return fmt.Sprintf("tg(group=%d,seq=%d)", g.GroupID, g.Seq)
}

// --- varint / length-prefixed encoding ---
//
// consus uses unsigned LEB128 varints for small integers and a
// varint-length-prefix for byte slices (table names, keys, values).

// PutUvarint appends x to buf as an unsigned LEB128 varint.
func PutUvarint(buf []byte, x uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// Uvarint reads an unsigned LEB128 varint from buf, returning the value
// and the number of bytes consumed. n == 0 indicates a malformed varint.
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// PutBytes appends a varint length prefix followed by b's bytes.
func PutBytes(buf []byte, b []byte) []byte {
	buf = PutUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// GetBytes reads a length-prefixed byte slice from buf, returning the
// slice (aliasing buf) and the number of bytes consumed. n == 0 indicates
// a malformed or truncated encoding.
func GetBytes(buf []byte) (out []byte, n int) {
	l, ln := Uvarint(buf)
	if ln <= 0 || ln+int(l) > len(buf) {
		return nil, 0
	}
	return buf[ln : ln+int(l)], ln + int(l)
}

// PutUint64BE appends x to buf as big-endian.
func PutUint64BE(buf []byte, x uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], x)
	return append(buf, tmp[:]...)
}

// GetUint64BE reads a big-endian uint64 from the first 8 bytes of buf.
func GetUint64BE(buf []byte) (uint64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf[:8]), true
}

// PutTxID appends the varint-packed encoding of a TxID.
func PutTxID(buf []byte, t TxID) []byte {
	buf = PutUvarint(buf, uint64(t.GroupID))
	buf = PutUvarint(buf, t.Seq)
	buf = PutUvarint(buf, t.StartTS)
	return buf
}

// GetTxID reads a TxID, returning it and the number of bytes consumed.
// n == 0 indicates a malformed encoding.
func GetTxID(buf []byte) (TxID, int) {
	var t TxID
	total := 0

	group, n := Uvarint(buf)
	if n <= 0 {
		return TxID{}, 0
	}
	t.GroupID = PaxosGroupID(group)
	buf = buf[n:]
	total += n

	seq, n := Uvarint(buf)
	if n <= 0 {
		return TxID{}, 0
	}
	t.Seq = seq
	buf = buf[n:]
	total += n

	start, n := Uvarint(buf)
	if n <= 0 {
		return TxID{}, 0
	}
	t.StartTS = start
	total += n

	return t, total
}

// PutGroup appends the varint-packed encoding of a TransactionGroup.
func PutGroup(buf []byte, g TransactionGroup) []byte {
	buf = PutUvarint(buf, uint64(g.GroupID))
	buf = PutUvarint(buf, g.Seq)
	return buf
}

// GetGroup reads a TransactionGroup, returning it and the bytes consumed.
func GetGroup(buf []byte) (TransactionGroup, int) {
	var g TransactionGroup
	total := 0

	group, n := Uvarint(buf)
	if n <= 0 {
		return TransactionGroup{}, 0
	}
	g.GroupID = PaxosGroupID(group)
	buf = buf[n:]
	total += n

	seq, n := Uvarint(buf)
	if n <= 0 {
		return TransactionGroup{}, 0
	}
	g.Seq = seq
	total += n

	return g, total
}
