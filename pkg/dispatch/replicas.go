package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/consusdb/consus/pkg/config"
	"github.com/consusdb/consus/pkg/health"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/replication"
	"github.com/consusdb/consus/pkg/wire"
)

// ConfigReplicas resolves a (table,key)'s replica set from a cluster
// configuration and reaches each replica over a cached RemoteReplica,
// implementing txn.Replicas and txn.WoundNotifier: the layer that
// turns a partition lookup into live connections.
type ConfigReplicas struct {
	tlsCfg *tls.Config

	mu      sync.Mutex
	cfg     config.Configuration
	byAddr  map[string]*RemoteReplica
	monitor *health.Monitor
}

// NewConfigReplicas constructs a ConfigReplicas routing against cfg.
// tlsCfg may be nil for plaintext connections.
func NewConfigReplicas(cfg config.Configuration, tlsCfg *tls.Config) *ConfigReplicas {
	return &ConfigReplicas{cfg: cfg, tlsCfg: tlsCfg, byAddr: make(map[string]*RemoteReplica)}
}

// SetHealth attaches a reachability monitor. With one attached,
// NotifyWound tries replicas the monitor believes are up before
// burning dial timeouts on ones it believes are down.
func (c *ConfigReplicas) SetHealth(m *health.Monitor) {
	c.mu.Lock()
	c.monitor = m
	c.mu.Unlock()
}

// SetConfiguration swaps in a newer configuration, e.g. after the
// coordinator publishes a membership change bumping the epoch.
func (c *ConfigReplicas) SetConfiguration(cfg config.Configuration) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *ConfigReplicas) replicaFor(addr string) *RemoteReplica {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byAddr[addr]; ok {
		return r
	}
	r := NewRemoteReplica(addr, c.tlsCfg)
	c.byAddr[addr] = r
	return r
}

func (c *ConfigReplicas) replicaSet(table, key []byte) ([]*RemoteReplica, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	set, ok := cfg.ReplicaSet(table, key)
	if !ok || len(set) == 0 {
		return nil, fmt.Errorf("dispatch: no replica set for table %q", table)
	}
	out := make([]*RemoteReplica, len(set))
	for i, kvs := range set {
		out[i] = c.replicaFor(kvs.Bind)
	}
	return out, nil
}

// ReadReplicas implements txn.Replicas.
func (c *ConfigReplicas) ReadReplicas(table, key []byte) ([]replication.ReadReplica, error) {
	set, err := c.replicaSet(table, key)
	if err != nil {
		return nil, err
	}
	out := make([]replication.ReadReplica, len(set))
	for i, r := range set {
		out[i] = r
	}
	return out, nil
}

// WriteReplicas implements txn.Replicas.
func (c *ConfigReplicas) WriteReplicas(table, key []byte) ([]replication.WriteReplica, error) {
	set, err := c.replicaSet(table, key)
	if err != nil {
		return nil, err
	}
	out := make([]replication.WriteReplica, len(set))
	for i, r := range set {
		out[i] = r
	}
	return out, nil
}

// LockReplicas implements txn.Replicas.
func (c *ConfigReplicas) LockReplicas(table, key []byte) ([]replication.LockReplica, error) {
	set, err := c.replicaSet(table, key)
	if err != nil {
		return nil, err
	}
	out := make([]replication.LockReplica, len(set))
	for i, r := range set {
		out[i] = r
	}
	return out, nil
}

// NotifyWound implements txn.WoundNotifier: it delivers WOUND_XACT to
// every transaction manager in the victim's Paxos group. Any live
// member forwards it to the locally-hosted transaction if present and
// drops it otherwise; the victim's group replicates the abort once any
// member observes it.
func (c *ConfigReplicas) NotifyWound(_ context.Context, victim ids.TransactionGroup) error {
	c.mu.Lock()
	cfg := c.cfg
	monitor := c.monitor
	c.mu.Unlock()

	members, ok := cfg.GroupOf(victim.GroupID)
	if !ok || len(members) == 0 {
		return fmt.Errorf("dispatch: no txman group %d for wound victim", victim.GroupID)
	}

	if monitor != nil {
		ordered := make([]config.TxmanState, 0, len(members))
		for _, t := range members {
			if monitor.Reachable(t.Bind) {
				ordered = append(ordered, t)
			}
		}
		for _, t := range members {
			if !monitor.Reachable(t.Bind) {
				ordered = append(ordered, t)
			}
		}
		members = ordered
	}

	payload := wire.WoundXact{Victim: victim}.Encode()
	var lastErr error
	delivered := false
	for _, t := range members {
		conn, err := wire.Dial(t.Bind, c.tlsCfg)
		if err != nil {
			lastErr = err
			continue
		}
		err = conn.Send(wire.Message{Type: wire.WOUND_XACT, Payload: payload})
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}
