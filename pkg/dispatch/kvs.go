package dispatch

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/lockmgr"
	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/migrate"
	"github.com/consusdb/consus/pkg/statetable"
	"github.com/consusdb/consus/pkg/wire"
)

// pendingWrite is the in-memory reservation a write's Begin phase
// creates, made durable by Finish or discarded by Cancel; keyed by
// (table,key) so a Begin/Finish/Cancel triple for the same key
// serializes on one statetable entry.
type pendingWrite struct {
	mu        sync.Mutex
	reserved  bool
	timestamp uint64
}

func repKey(table, key []byte) string {
	return string(table) + "\x00" + string(key)
}

// KVS is one KVS daemon's handler set: the local durable data layer,
// lock manager, migration receiver (the gaining side of a handoff),
// and the pending-write table the two-phase write needs on the
// replica side.
type KVS struct {
	ID    ids.KVSID
	data  *datalayer.Datalayer
	locks *lockmgr.Manager
	recv  *migrate.Receiver

	pending *statetable.Table[string, pendingWrite]

	logger zerolog.Logger
}

// NewKVS constructs a KVS handler set persisting to data.
func NewKVS(id ids.KVSID, data *datalayer.Datalayer) *KVS {
	hash := func(k string) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		return h.Sum32()
	}
	return &KVS{
		ID:      id,
		data:    data,
		locks:   lockmgr.New(data),
		recv:    migrate.NewReceiver(data),
		pending: statetable.New[string, pendingWrite](hash, func(string) *pendingWrite { return &pendingWrite{} }),
		logger:  log.WithComponent("kvs"),
	}
}

// Handle dispatches one decoded frame to the handler for its type and
// writes the response frame(s) back on c. Unknown or malformed frames
// are logged and dropped; a protocol violation never tears down the
// connection.
func (k *KVS) Handle(c *wire.Conn, m wire.Message) {
	switch m.Type {
	case wire.KVS_REP_RD:
		k.handleRepRd(c, m)
	case wire.KVS_REP_WR:
		k.handleRepWr(c, m)
	case wire.KVS_RAW_RD:
		k.handleRawRd(c, m)
	case wire.KVS_RAW_WR:
		k.handleRawWr(c, m)
	case wire.KVS_LOCK_OP:
		k.handleLockOp(c, m)
	case wire.KVS_RAW_LK:
		k.handleRawLk(c, m)
	case wire.MIGRATE_SYN:
		k.handleMigrateSyn(c, m)
	default:
		k.logger.Warn().Str("type", m.Type.String()).Msg("dropping unhandled message type")
	}
}

func (k *KVS) handleRepRd(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSRepRd(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_REP_RD")
		return
	}
	rc, ts, value, err := k.data.Get(req.Table, req.Key, req.Timestamp)
	if err != nil {
		_ = c.Send(wire.Message{Type: wire.KVS_REP_RD_RESP, Payload: wire.KVSRepRdResp{
			StateKey: req.StateKey, RC: wire.SERVER_ERROR,
		}.Encode()})
		return
	}
	_ = c.Send(wire.Message{Type: wire.KVS_REP_RD_RESP, Payload: wire.KVSRepRdResp{
		StateKey: req.StateKey, RC: toWireRC(rc), Timestamp: ts, Value: value,
	}.Encode()})
}

func (k *KVS) handleRepWr(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSRepWr(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_REP_WR")
		return
	}

	ref := k.pending.GetOrCreate(repKey(req.Table, req.Key))
	defer ref.Release()
	pw := ref.Value()
	pw.mu.Lock()
	defer pw.mu.Unlock()

	switch req.Phase {
	case wire.PhaseBegin:
		accepted := req.Timestamp
		if pw.reserved && pw.timestamp > accepted {
			accepted = pw.timestamp
		}
		pw.reserved = true
		pw.timestamp = accepted
		_ = c.Send(wire.Message{Type: wire.KVS_REP_WR_RESP, Payload: wire.KVSRepWrResp{
			StateKey: req.StateKey, RC: wire.SUCCESS,
		}.Encode()})
	case wire.PhaseFinish:
		rc, err := k.data.Put(req.Table, req.Key, req.Timestamp, req.Value)
		pw.reserved = false
		out := toWireRC(rc)
		if err != nil {
			out = wire.SERVER_ERROR
		}
		_ = c.Send(wire.Message{Type: wire.KVS_REP_WR_RESP, Payload: wire.KVSRepWrResp{
			StateKey: req.StateKey, RC: out,
		}.Encode()})
	case wire.PhaseCancel:
		pw.reserved = false
		_ = c.Send(wire.Message{Type: wire.KVS_REP_WR_RESP, Payload: wire.KVSRepWrResp{
			StateKey: req.StateKey, RC: wire.SUCCESS,
		}.Encode()})
	}
}

// handleRawRd/handleRawWr serve the non-quorum intra-partition path
// (kvs<->kvs, e.g. read-repair), identical in substance to the
// replicated path but addressed without a state_key correlation id.
func (k *KVS) handleRawRd(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSRawRd(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_RAW_RD")
		return
	}
	rc, ts, value, err := k.data.Get(req.Table, req.Key, req.Timestamp)
	if err != nil {
		_ = c.Send(wire.Message{Type: wire.KVS_RAW_RD_RESP, Payload: wire.KVSRawRdResp{RC: wire.SERVER_ERROR}.Encode()})
		return
	}
	_ = c.Send(wire.Message{Type: wire.KVS_RAW_RD_RESP, Payload: wire.KVSRawRdResp{
		RC: toWireRC(rc), Timestamp: ts, Value: value,
	}.Encode()})
}

func (k *KVS) handleRawWr(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSRawWr(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_RAW_WR")
		return
	}
	rc, err := k.data.Put(req.Table, req.Key, req.Timestamp, req.Value)
	out := toWireRC(rc)
	if err != nil {
		out = wire.SERVER_ERROR
	}
	_ = c.Send(wire.Message{Type: wire.KVS_RAW_WR_RESP, Payload: wire.KVSRawWrResp{RC: out}.Encode()})
}

func (k *KVS) handleLockOp(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSLockOp(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_LOCK_OP")
		return
	}

	switch req.Op {
	case wire.LockOpLock:
		outcome, victim, err := k.locks.Lock(req.Table, req.Key, req.Group, req.Priority)
		if err != nil {
			_ = c.Send(wire.Message{Type: wire.KVS_LOCK_OP_RESP, Payload: wire.KVSLockOpResp{
				StateKey: req.StateKey, RC: wire.SERVER_ERROR,
			}.Encode()})
			return
		}
		_ = c.Send(wire.Message{Type: wire.KVS_LOCK_OP_RESP, Payload: wire.KVSLockOpResp{
			StateKey: req.StateKey, RC: lockOutcomeRC(outcome), Victim: victim,
		}.Encode()})
	case wire.LockOpUnlock:
		err := k.locks.Unlock(req.Table, req.Key, req.Group)
		out := wire.SUCCESS
		if err != nil {
			out = wire.SERVER_ERROR
		}
		_ = c.Send(wire.Message{Type: wire.KVS_LOCK_OP_RESP, Payload: wire.KVSLockOpResp{
			StateKey: req.StateKey, RC: out,
		}.Encode()})
	}
}

func lockOutcomeRC(o lockmgr.Outcome) wire.ReturnCode {
	switch o {
	case lockmgr.GRANTED:
		return wire.SUCCESS
	case lockmgr.WOUND:
		return wire.ABORTED
	default:
		return wire.UNAVAILABLE
	}
}

func (k *KVS) handleRawLk(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeKVSRawLk(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed KVS_RAW_LK")
		return
	}
	var err2 error
	switch req.Op {
	case wire.LockOpLock:
		_, _, err2 = k.locks.Lock(req.Table, req.Key, req.Group, req.Group.Seq)
	case wire.LockOpUnlock:
		err2 = k.locks.Unlock(req.Table, req.Key, req.Group)
	}
	out := wire.SUCCESS
	if err2 != nil {
		out = wire.SERVER_ERROR
	}
	_ = c.Send(wire.Message{Type: wire.KVS_RAW_LK_RESP, Payload: wire.KVSRawLkResp{RC: out}.Encode()})
}

func (k *KVS) handleMigrateSyn(c *wire.Conn, m wire.Message) {
	syn, err := wire.DecodeMigrateSyn(m.Payload)
	if err != nil {
		k.logger.Warn().Err(err).Msg("malformed MIGRATE_SYN")
		return
	}
	ack := k.recv.Apply(syn)
	_ = c.Send(wire.Message{Type: wire.MIGRATE_ACK, Payload: ack.Encode()})
}

// toWireRC maps pkg/datalayer's ReturnCode onto the wire enum; the two
// enums are not numerically aligned (datalayer.SERVER_ERROR == 2 while
// wire.ABORTED == 2), so this must switch explicitly rather than cast.
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
