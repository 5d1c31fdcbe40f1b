package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/txn"
	"github.com/consusdb/consus/pkg/wire"
)

// Txman is one transaction manager's handler set: it adopts or
// resolves the transaction a TXMAN_WRITE/TXMAN_READ names via
// Manager.Resolve, drives the read/write/commit/abort operations, and
// answers CLIENT_RESPONSE.
//
// Commit and abort have no dedicated wire message: a TXMAN_WRITE
// whose table and key are both empty is a commit trigger, and
// COMMITTED/ABORTED is chosen by whether Value equals the literal
// "ABORT" sentinel.
type Txman struct {
	manager *txn.Manager
	logger  zerolog.Logger
}

// NewTxman constructs a Txman handler set driving manager's transactions.
func NewTxman(manager *txn.Manager) *Txman {
	return &Txman{manager: manager, logger: log.WithComponent("txman")}
}

// Handle dispatches one decoded frame to the handler for its type.
func (t *Txman) Handle(c *wire.Conn, m wire.Message) {
	switch m.Type {
	case wire.TXMAN_WRITE:
		t.handleWrite(c, m)
	case wire.TXMAN_READ:
		t.handleRead(c, m)
	case wire.WOUND_XACT:
		t.handleWound(m)
	default:
		t.logger.Warn().Str("type", m.Type.String()).Msg("dropping unhandled message type")
	}
}

func (t *Txman) handleRead(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeTxmanRead(m.Payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("malformed TXMAN_READ")
		return
	}

	tx, err := t.manager.Resolve(req.Txn)
	if err != nil {
		t.respond(c, req.Nonce, wire.INVALID, 0, nil)
		return
	}

	value, rc, err := t.manager.Read(context.Background(), tx, req.Table, req.Key)
	if err != nil {
		t.logger.Warn().Err(err).Msg("read failed")
	}
	t.respond(c, req.Nonce, rc, req.Txn.StartTS, value)
}

func (t *Txman) handleWrite(c *wire.Conn, m wire.Message) {
	req, err := wire.DecodeTxmanWrite(m.Payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("malformed TXMAN_WRITE")
		return
	}

	tx, err := t.manager.Resolve(req.Txn)
	if err != nil {
		t.respond(c, req.Nonce, wire.INVALID, 0, nil)
		return
	}

	if len(req.Table) == 0 && len(req.Key) == 0 {
		t.handleCommitOrAbort(c, req, tx)
		return
	}

	ctx := context.Background()
	rc, err := t.manager.Write(ctx, tx, req.Table, req.Key, req.Value)
	if err != nil {
		t.logger.Warn().Err(err).Msg("write failed")
	}
	t.respond(c, req.Nonce, rc, 0, nil)
}

func (t *Txman) handleCommitOrAbort(c *wire.Conn, req wire.TxmanWrite, tx *txn.Transaction) {
	ctx := context.Background()
	var rc wire.ReturnCode
	var err error
	if string(req.Value) == string(wire.AbortSentinel) {
		rc, err = t.manager.Abort(ctx, tx)
	} else {
		rc, err = t.manager.Commit(ctx, tx)
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("commit/abort failed")
	}
	t.respond(c, req.Nonce, rc, 0, nil)
}

func (t *Txman) handleWound(m wire.Message) {
	w, err := wire.DecodeWoundXact(m.Payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("malformed WOUND_XACT")
		return
	}
	t.manager.Wound(w.Victim)
}

func (t *Txman) respond(c *wire.Conn, nonce uint64, rc wire.ReturnCode, timestamp uint64, value []byte) {
	_ = c.Send(wire.Message{Type: wire.CLIENT_RESPONSE, Payload: wire.ClientResponse{
		Nonce: nonce, RC: rc, Timestamp: timestamp, Value: value,
	}.Encode()})
}
