package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/consusdb/consus/pkg/config"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/security"
	"github.com/consusdb/consus/pkg/wire"
)

// resendInterval is the default per-request retry interval: an
// outstanding nonce is resent after one second.
const resendInterval = time.Second

// maxAttempts bounds the number of sends issued against one txman;
// once they are used up the request fails. The client does not move
// the request to another member of the group.
const maxAttempts = 3

// Client is a consus client: it holds the cluster configuration and
// mints transactions against the txman Paxos groups it describes.
// There is no persistent connection — Client lazily dials and pools a
// handful of connections per txman, the same shape
// pkg/dispatch.RemoteReplica uses for kvs replicas.
type Client struct {
	cfg    config.Configuration
	tlsCfg *tls.Config

	mu    sync.Mutex
	pools map[string]*connPool

	nextSeq   uint64
	nextNonce uint64
	groupIdx  uint64
}

// New constructs a Client against cfg. tlsCfg may be nil for a
// plaintext connection (e.g. local testing); production deployments
// should pass a client certificate issued by security.CertAuthority.
func New(cfg config.Configuration, tlsCfg *tls.Config) *Client {
	return &Client{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		pools:  make(map[string]*connPool),
	}
}

// NewWithCert loads a CLI certificate and the cluster's CA certificate
// from certDir (see security.CLICertDir) and builds a Client using
// them for mTLS.
func NewWithCert(cfg config.Configuration, certDir string) (*Client, error) {
	cert, err := security.ReadKeypair(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load certificate: %w", err)
	}
	caCert, err := security.ReadCACert(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return New(cfg, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// SetConfiguration swaps in a newer configuration, e.g. after
// pkg/coordinator.Link reports a VersionID bump.
func (c *Client) SetConfiguration(cfg config.Configuration) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) pool(addr string) *connPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[addr]
	if !ok {
		p = &connPool{addr: addr, tlsCfg: c.tlsCfg}
		c.pools[addr] = p
	}
	return p
}

// pickGroup round-robins across the configuration's Paxos groups so
// load spreads across txman groups the way a real cluster coordinator
// would balance new transactions.
func (c *Client) pickGroup() (config.PaxosGroup, error) {
	c.mu.Lock()
	groups := c.cfg.PaxosGroups
	c.mu.Unlock()
	if len(groups) == 0 {
		return config.PaxosGroup{}, fmt.Errorf("client: configuration has no paxos groups")
	}
	idx := atomic.AddUint64(&c.groupIdx, 1) - 1
	return groups[idx%uint64(len(groups))], nil
}

func (c *Client) txmanAddr(groupID ids.PaxosGroupID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.cfg.Txmans {
		if t.GroupID == groupID {
			return t.Bind, nil
		}
	}
	return "", fmt.Errorf("client: no txman found for group %d", groupID)
}

// Begin mints a new transaction: the client itself picks the Paxos
// group, sequence number, and start timestamp that together form the
// TxID. The wire protocol has no dedicated BEGIN message; the txman
// daemon adopts whatever TxID it first sees for a request as an
// implicit begin.
func (c *Client) Begin(ctx context.Context) (*Transaction, error) {
	group, err := c.pickGroup()
	if err != nil {
		return nil, err
	}
	addr, err := c.txmanAddr(group.ID)
	if err != nil {
		return nil, err
	}

	seq := atomic.AddUint64(&c.nextSeq, 1)
	txid := ids.TxID{
		GroupID: group.ID,
		Seq:     seq,
		StartTS: uint64(time.Now().UnixNano()),
	}

	return &Transaction{
		client: c,
		addr:   addr,
		txid:   txid,
	}, nil
}

// Transaction drives one client-side transaction's read/write/commit/
// abort sequence against its coordinating txman group.
type Transaction struct {
	client *Client
	addr   string
	txid   ids.TxID
}

// TxID returns the transaction's identifier, for logging or to resume
// a transaction across client processes.
func (t *Transaction) TxID() ids.TxID { return t.txid }

func (t *Transaction) nonce() uint64 {
	return atomic.AddUint64(&t.client.nextNonce, 1)
}

func (t *Transaction) roundTrip(payload []byte) (wire.ClientResponse, error) {
	pool := t.client.pool(t.addr)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := pool.checkout()
		if err != nil {
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		if err := conn.Send(wire.Message{Type: wire.TXMAN_WRITE, Payload: payload}); err != nil {
			pool.checkin(conn, true)
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		resp, err := conn.Recv()
		if err != nil {
			pool.checkin(conn, true)
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		pool.checkin(conn, false)
		if resp.Type != wire.CLIENT_RESPONSE {
			return wire.ClientResponse{}, fmt.Errorf("client: unexpected reply type %s", resp.Type)
		}
		return wire.DecodeClientResponse(resp.Payload)
	}
	return wire.ClientResponse{}, fmt.Errorf("client: %s unreachable after %d attempts: %w", t.addr, maxAttempts, lastErr)
}

// Read issues a TXMAN_READ and returns the value observed at the
// transaction's start timestamp.
func (t *Transaction) Read(ctx context.Context, table, key []byte) ([]byte, wire.ReturnCode, error) {
	pool := t.client.pool(t.addr)

	req := wire.TxmanRead{Txn: t.txid, Nonce: t.nonce(), Table: table, Key: key}.Encode()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := pool.checkout()
		if err != nil {
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		if err := conn.Send(wire.Message{Type: wire.TXMAN_READ, Payload: req}); err != nil {
			pool.checkin(conn, true)
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		resp, err := conn.Recv()
		if err != nil {
			pool.checkin(conn, true)
			lastErr = err
			time.Sleep(resendInterval)
			continue
		}
		pool.checkin(conn, false)
		if resp.Type != wire.CLIENT_RESPONSE {
			return nil, wire.SERVER_ERROR, fmt.Errorf("client: unexpected reply type %s", resp.Type)
		}
		out, err := wire.DecodeClientResponse(resp.Payload)
		if err != nil {
			return nil, wire.SERVER_ERROR, err
		}
		return out.Value, out.RC, nil
	}
	return nil, wire.SERVER_ERROR, fmt.Errorf("client: %s unreachable after %d attempts: %w", t.addr, maxAttempts, lastErr)
}

// Write issues a TXMAN_WRITE, buffering (table,key,value) into the
// transaction's replicated write set; it does not itself touch the kvs
// layer until commit.
func (t *Transaction) Write(ctx context.Context, table, key, value []byte) (wire.ReturnCode, error) {
	resp, err := t.roundTrip(wire.TxmanWrite{
		Txn: t.txid, Nonce: t.nonce(), Table: table, Key: key, Value: value,
	}.Encode())
	if err != nil {
		return wire.SERVER_ERROR, err
	}
	return resp.RC, nil
}

// Commit requests the two-phase commit: lock acquisition, durable
// write, then outcome dissemination.
func (t *Transaction) Commit(ctx context.Context) (wire.ReturnCode, error) {
	resp, err := t.roundTrip(wire.TxmanWrite{Txn: t.txid, Nonce: t.nonce()}.Encode())
	if err != nil {
		return wire.SERVER_ERROR, err
	}
	return resp.RC, nil
}

// Abort requests the transaction be aborted and its locks released.
func (t *Transaction) Abort(ctx context.Context) (wire.ReturnCode, error) {
	resp, err := t.roundTrip(wire.TxmanWrite{
		Txn: t.txid, Nonce: t.nonce(), Value: wire.AbortSentinel,
	}.Encode())
	if err != nil {
		return wire.SERVER_ERROR, err
	}
	return resp.RC, nil
}

// connPool keeps a small set of idle framed connections to one txman
// address, dialed lazily, mirroring pkg/dispatch.RemoteReplica's pool.
type connPool struct {
	addr   string
	tlsCfg *tls.Config

	mu   sync.Mutex
	idle []*wire.Conn
}

func (p *connPool) checkout() (*wire.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return wire.Dial(p.addr, p.tlsCfg)
}

func (p *connPool) checkin(c *wire.Conn, broken bool) {
	if broken {
		_ = c.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}
