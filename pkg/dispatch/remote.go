package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/lockmgr"
	"github.com/consusdb/consus/pkg/wire"
)

// RemoteReplica is one KVS daemon reached over the network, implementing
// replication.ReadReplica/WriteReplica/LockReplica by round-tripping
// KVS_REP_RD/KVS_REP_WR/KVS_LOCK_OP and their _RESP counterparts, the
// client-facing mirror of the requests pkg/dispatch.KVS answers. It
// dials lazily and keeps a small pool of idle connections rather than
// one fixed socket.
type RemoteReplica struct {
	addr   string
	tlsCfg *tls.Config

	mu   sync.Mutex
	idle []*wire.Conn

	nextState uint64
}

// NewRemoteReplica constructs a RemoteReplica dialing addr on demand.
// tlsCfg may be nil for a plaintext connection.
func NewRemoteReplica(addr string, tlsCfg *tls.Config) *RemoteReplica {
	return &RemoteReplica{addr: addr, tlsCfg: tlsCfg}
}

func (r *RemoteReplica) checkout() (*wire.Conn, error) {
	r.mu.Lock()
	if n := len(r.idle); n > 0 {
		c := r.idle[n-1]
		r.idle = r.idle[:n-1]
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()
	return wire.Dial(r.addr, r.tlsCfg)
}

func (r *RemoteReplica) checkin(c *wire.Conn, broken bool) {
	if broken {
		_ = c.Close()
		return
	}
	r.mu.Lock()
	r.idle = append(r.idle, c)
	r.mu.Unlock()
}

// roundTrip sends req on a pooled connection and returns the next
// frame received in reply, returning the connection to the pool (or
// discarding it, on error) before returning.
func (r *RemoteReplica) roundTrip(typ wire.MessageType, payload []byte) (wire.Message, error) {
	c, err := r.checkout()
	if err != nil {
		return wire.Message{}, err
	}
	if err := c.Send(wire.Message{Type: typ, Payload: payload}); err != nil {
		r.checkin(c, true)
		return wire.Message{}, err
	}
	resp, err := c.Recv()
	if err != nil {
		r.checkin(c, true)
		return wire.Message{}, err
	}
	r.checkin(c, false)
	return resp, nil
}

func (r *RemoteReplica) stateKey() uint64 {
	return atomic.AddUint64(&r.nextState, 1)
}

// Read implements replication.ReadReplica.
func (r *RemoteReplica) Read(_ context.Context, table, key []byte, timestampLE uint64) (wire.ReturnCode, uint64, []byte, error) {
	resp, err := r.roundTrip(wire.KVS_REP_RD, wire.KVSRepRd{
		StateKey:  r.stateKey(),
		Table:     table,
		Key:       key,
		Timestamp: timestampLE,
	}.Encode())
	if err != nil {
		return wire.SERVER_ERROR, 0, nil, err
	}
	if resp.Type != wire.KVS_REP_RD_RESP {
		return wire.SERVER_ERROR, 0, nil, fmt.Errorf("dispatch: unexpected reply type %s to KVS_REP_RD", resp.Type)
	}
	out, err := wire.DecodeKVSRepRdResp(resp.Payload)
	if err != nil {
		return wire.SERVER_ERROR, 0, nil, err
	}
	return out.RC, out.Timestamp, out.Value, nil
}

// Begin implements replication.WriteReplica.
func (r *RemoteReplica) Begin(_ context.Context, table, key []byte, tentativeTimestamp uint64) (uint64, error) {
	resp, err := r.roundTrip(wire.KVS_REP_WR, wire.KVSRepWr{
		StateKey:  r.stateKey(),
		Phase:     wire.PhaseBegin,
		Table:     table,
		Key:       key,
		Timestamp: tentativeTimestamp,
	}.Encode())
	if err != nil {
		return 0, err
	}
	out, err := decodeRepWrResp(resp)
	if err != nil {
		return 0, err
	}
	if out.RC != wire.SUCCESS {
		return 0, fmt.Errorf("dispatch: KVS_REP_WR begin refused: %s", out.RC)
	}
	return tentativeTimestamp, nil
}

// Finish implements replication.WriteReplica.
func (r *RemoteReplica) Finish(_ context.Context, table, key []byte, timestamp uint64, value []byte) error {
	resp, err := r.roundTrip(wire.KVS_REP_WR, wire.KVSRepWr{
		StateKey:  r.stateKey(),
		Phase:     wire.PhaseFinish,
		Table:     table,
		Key:       key,
		Timestamp: timestamp,
		Value:     value,
	}.Encode())
	if err != nil {
		return err
	}
	out, err := decodeRepWrResp(resp)
	if err != nil {
		return err
	}
	if out.RC != wire.SUCCESS {
		return fmt.Errorf("dispatch: KVS_REP_WR finish failed: %s", out.RC)
	}
	return nil
}

// Cancel implements replication.WriteReplica.
func (r *RemoteReplica) Cancel(_ context.Context, table, key []byte) error {
	_, err := r.roundTrip(wire.KVS_REP_WR, wire.KVSRepWr{
		StateKey: r.stateKey(),
		Phase:    wire.PhaseCancel,
		Table:    table,
		Key:      key,
	}.Encode())
	return err
}

func decodeRepWrResp(resp wire.Message) (wire.KVSRepWrResp, error) {
	if resp.Type != wire.KVS_REP_WR_RESP {
		return wire.KVSRepWrResp{}, fmt.Errorf("dispatch: unexpected reply type %s to KVS_REP_WR", resp.Type)
	}
	return wire.DecodeKVSRepWrResp(resp.Payload)
}

// Lock implements replication.LockReplica.
func (r *RemoteReplica) Lock(_ context.Context, table, key []byte, tg ids.TransactionGroup, priority uint64) (lockmgr.Outcome, ids.TransactionGroup, error) {
	resp, err := r.roundTrip(wire.KVS_LOCK_OP, wire.KVSLockOp{
		StateKey: r.stateKey(),
		Table:    table,
		Key:      key,
		Group:    tg,
		Priority: priority,
		Op:       wire.LockOpLock,
	}.Encode())
	if err != nil {
		return lockmgr.QUEUED, ids.TransactionGroup{}, err
	}
	if resp.Type != wire.KVS_LOCK_OP_RESP {
		return lockmgr.QUEUED, ids.TransactionGroup{}, fmt.Errorf("dispatch: unexpected reply type %s to KVS_LOCK_OP", resp.Type)
	}
	out, err := wire.DecodeKVSLockOpResp(resp.Payload)
	if err != nil {
		return lockmgr.QUEUED, ids.TransactionGroup{}, err
	}
	switch out.RC {
	case wire.SUCCESS:
		return lockmgr.GRANTED, ids.TransactionGroup{}, nil
	case wire.ABORTED:
		return lockmgr.WOUND, out.Victim, nil
	default:
		return lockmgr.QUEUED, ids.TransactionGroup{}, nil
	}
}

// Unlock implements replication.LockReplica.
func (r *RemoteReplica) Unlock(_ context.Context, table, key []byte, tg ids.TransactionGroup) error {
	resp, err := r.roundTrip(wire.KVS_LOCK_OP, wire.KVSLockOp{
		StateKey: r.stateKey(),
		Table:    table,
		Key:      key,
		Group:    tg,
		Op:       wire.LockOpUnlock,
	}.Encode())
	if err != nil {
		return err
	}
	out, err := wire.DecodeKVSLockOpResp(resp.Payload)
	if err != nil {
		return err
	}
	if out.RC != wire.SUCCESS {
		return fmt.Errorf("dispatch: KVS_LOCK_OP unlock failed: %s", out.RC)
	}
	return nil
}
