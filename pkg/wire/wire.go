// Package wire implements the message types and on-wire payload
// layouts consus daemons exchange, plus a minimal concrete framing
// (see transport.go) so the daemons in this repository can actually
// run, without pretending to be a production RPC framework.
package wire

import "fmt"

// ReturnCode is the wire-level outcome code attached to replies.
type ReturnCode uint8

const (
	SUCCESS ReturnCode = iota
	NOT_FOUND
	ABORTED
	COMMITTED
	UNAVAILABLE
	SERVER_ERROR
	INVALID
	TIMEOUT
)

func (rc ReturnCode) String() string {
	switch rc {
	case SUCCESS:
		return "SUCCESS"
	case NOT_FOUND:
		return "NOT_FOUND"
	case ABORTED:
		return "ABORTED"
	case COMMITTED:
		return "COMMITTED"
	case UNAVAILABLE:
		return "UNAVAILABLE"
	case SERVER_ERROR:
		return "SERVER_ERROR"
	case INVALID:
		return "INVALID"
	case TIMEOUT:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("ReturnCode(%d)", uint8(rc))
	}
}

// MessageType packs the message's purpose.
type MessageType uint8

const (
	TXMAN_WRITE MessageType = iota + 1
	TXMAN_READ
	CLIENT_RESPONSE
	KVS_REP_RD
	KVS_REP_RD_RESP
	KVS_REP_WR
	KVS_REP_WR_RESP
	KVS_RAW_RD
	KVS_RAW_RD_RESP
	KVS_RAW_WR
	KVS_RAW_WR_RESP
	KVS_LOCK_OP
	KVS_LOCK_OP_RESP
	KVS_RAW_LK
	KVS_RAW_LK_RESP
	WOUND_XACT
	MIGRATE_SYN
	MIGRATE_ACK
)

var messageTypeNames = map[MessageType]string{
	TXMAN_WRITE:      "TXMAN_WRITE",
	TXMAN_READ:       "TXMAN_READ",
	CLIENT_RESPONSE:  "CLIENT_RESPONSE",
	KVS_REP_RD:       "KVS_REP_RD",
	KVS_REP_RD_RESP:  "KVS_REP_RD_RESP",
	KVS_REP_WR:       "KVS_REP_WR",
	KVS_REP_WR_RESP:  "KVS_REP_WR_RESP",
	KVS_RAW_RD:       "KVS_RAW_RD",
	KVS_RAW_RD_RESP:  "KVS_RAW_RD_RESP",
	KVS_RAW_WR:       "KVS_RAW_WR",
	KVS_RAW_WR_RESP:  "KVS_RAW_WR_RESP",
	KVS_LOCK_OP:      "KVS_LOCK_OP",
	KVS_LOCK_OP_RESP: "KVS_LOCK_OP_RESP",
	KVS_RAW_LK:       "KVS_RAW_LK",
	KVS_RAW_LK_RESP:  "KVS_RAW_LK_RESP",
	WOUND_XACT:       "WOUND_XACT",
	MIGRATE_SYN:      "MIGRATE_SYN",
	MIGRATE_ACK:      "MIGRATE_ACK",
}

func (m MessageType) String() string {
	if s, ok := messageTypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", uint8(m))
}

// AbortSentinel is the TXMAN_WRITE.Value a client sends, alongside an
// empty Table and Key, to trigger an abort rather than a commit.
var AbortSentinel = []byte("ABORT")

// LockOp distinguishes the two operations KVS_LOCK_OP carries.
type LockOp uint8

const (
	LockOpLock LockOp = iota
	LockOpUnlock
)

// Message is a decoded frame: a type tag plus the raw payload bytes that
// follow it (after the H-byte transport header, which the transport
// layer strips before handing frames to the dispatcher).
type Message struct {
	Type    MessageType
	Payload []byte
}
