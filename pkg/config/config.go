// Package config defines the cluster configuration the coordinator
// publishes: data centers, transaction manager instances and their
// Paxos groups, and key-value store instances, plus the deterministic
// routing of a (table,key) onto an owning KVS instance.
package config

import (
	"fmt"
	"strings"

	"github.com/twmb/murmur3"

	"github.com/consusdb/consus/pkg/ids"
)

// DataCenter names one geographic replica site.
type DataCenter struct {
	ID   ids.DataCenterID `yaml:"id"`
	Name string           `yaml:"name"`
}

func (dc DataCenter) String() string {
	return fmt.Sprintf("data center %d: %s", dc.ID, dc.Name)
}

// TxmanState describes one transaction manager daemon's last known
// address and the Paxos group it belongs to.
type TxmanState struct {
	ID           ids.TxmanID      `yaml:"id"`
	DataCenter   ids.DataCenterID `yaml:"data_center"`
	GroupID      ids.PaxosGroupID `yaml:"group_id"`
	Bind         string           `yaml:"bind"`
}

func (t TxmanState) String() string {
	return fmt.Sprintf("txman %d: group=%d bind=%s", t.ID, t.GroupID, t.Bind)
}

// PaxosGroup is the membership of one TXMAN Paxos group: the set of
// txman ids that replicate that group's transaction log.
type PaxosGroup struct {
	ID      ids.PaxosGroupID `yaml:"id"`
	Members []ids.TxmanID    `yaml:"members"`
}

func (g PaxosGroup) String() string {
	parts := make([]string, len(g.Members))
	for i, m := range g.Members {
		parts[i] = fmt.Sprintf("%d", m)
	}
	return fmt.Sprintf("paxos group %d: [%s]", g.ID, strings.Join(parts, ", "))
}

// KVS describes one key-value storage daemon: its id, the data center
// it runs in, and its address.
type KVS struct {
	ID         ids.KVSID        `yaml:"id"`
	DataCenter ids.DataCenterID `yaml:"data_center"`
	Bind       string           `yaml:"bind"`
}

func (k KVS) String() string {
	return fmt.Sprintf("kvs %d: bind=%s", k.ID, k.Bind)
}

// Configuration is the full cluster configuration published by the
// coordinator. VersionID is its epoch: daemons and clients swap in a
// configuration with a newer VersionID as it is published (see
// pkg/reconciler). Wire requests do not carry a VersionID, and no
// server rejects a request as resolved against a stale configuration.
type Configuration struct {
	ClusterID   ids.ClusterID    `yaml:"cluster_id"`
	VersionID   ids.VersionID    `yaml:"version_id"`
	Flags       uint64           `yaml:"flags"`
	DataCenters []DataCenter     `yaml:"data_centers"`
	Txmans      []TxmanState     `yaml:"txmans"`
	PaxosGroups []PaxosGroup     `yaml:"paxos_groups"`
	KVSs        []KVS            `yaml:"kvss"`

	// ReplicationFactor is the number of contiguous KVSs that jointly
	// serve one partition. KVSs is laid out as consecutive replica sets
	// of this size; a value of 0 or 1 means every KVS is its own
	// singleton partition, the degenerate case OwningKVS alone already
	// covered.
	ReplicationFactor int `yaml:"replication_factor"`
}

// String renders the configuration as a header line of cluster and
// version ids, then a pluralized count-and-list section per
// collection.
func (c Configuration) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n%d\n", c.ClusterID, c.VersionID)

	switch len(c.DataCenters) {
	case 0:
		b.WriteString("default data center only\n")
	case 1:
		b.WriteString("1 configured data center:\n")
	default:
		fmt.Fprintf(&b, "%d configured data centers:\n", len(c.DataCenters))
	}
	for _, dc := range c.DataCenters {
		fmt.Fprintf(&b, "%s\n", dc)
	}

	switch len(c.Txmans) {
	case 0:
		b.WriteString("no transaction managers\n")
	case 1:
		b.WriteString("1 transaction manager:\n")
	default:
		fmt.Fprintf(&b, "%d transaction managers:\n", len(c.Txmans))
	}
	for _, t := range c.Txmans {
		fmt.Fprintf(&b, "%s\n", t)
	}

	switch len(c.PaxosGroups) {
	case 0:
		b.WriteString("no paxos groups\n")
	case 1:
		b.WriteString("1 paxos group:\n")
	default:
		fmt.Fprintf(&b, "%d paxos groups:\n", len(c.PaxosGroups))
	}
	for _, g := range c.PaxosGroups {
		fmt.Fprintf(&b, "%s\n", g)
	}

	switch len(c.KVSs) {
	case 0:
		b.WriteString("no key value stores\n")
	case 1:
		b.WriteString("1 key value store:\n")
	default:
		fmt.Fprintf(&b, "%d key value stores:\n", len(c.KVSs))
	}
	for _, k := range c.KVSs {
		fmt.Fprintf(&b, "%s\n", k)
	}

	return b.String()
}

// OwningKVS returns the KVS instance that owns (table,key): a
// consistent hash of the (table,key) pair modulo the KVS count,
// stable across epochs with unchanged membership.
func (c Configuration) OwningKVS(table, key []byte) (KVS, bool) {
	if len(c.KVSs) == 0 {
		return KVS{}, false
	}
	h := murmur3.New64()
	h.Write(table)
	h.Write([]byte{0})
	h.Write(key)
	idx := h.Sum64() % uint64(len(c.KVSs))
	return c.KVSs[idx], true
}

// ReplicaSet returns every KVS instance that jointly owns the
// partition (table,key) hashes to. A strict majority of this set is
// required for a replicated read, write, or lock to succeed.
func (c Configuration) ReplicaSet(table, key []byte) ([]KVS, bool) {
	if len(c.KVSs) == 0 {
		return nil, false
	}
	rf := c.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	if rf > len(c.KVSs) {
		rf = len(c.KVSs)
	}
	partitions := len(c.KVSs) / rf
	if partitions == 0 {
		partitions = 1
	}

	h := murmur3.New64()
	h.Write(table)
	h.Write([]byte{0})
	h.Write(key)
	p := int(h.Sum64() % uint64(partitions))

	start := p * rf
	end := start + rf
	if end > len(c.KVSs) {
		end = len(c.KVSs)
	}
	return c.KVSs[start:end], true
}

// Group returns the PaxosGroup with the given id, if present.
func (c Configuration) Group(id ids.PaxosGroupID) (PaxosGroup, bool) {
	for _, g := range c.PaxosGroups {
		if g.ID == id {
			return g, true
		}
	}
	return PaxosGroup{}, false
}

// TxmanByID returns the TxmanState with the given id, if present.
func (c Configuration) TxmanByID(id ids.TxmanID) (TxmanState, bool) {
	for _, t := range c.Txmans {
		if t.ID == id {
			return t, true
		}
	}
	return TxmanState{}, false
}

// GroupOf returns the transaction managers that are members of the
// given Paxos group, used to route WOUND_XACT to a victim's
// coordinating group. It reports false if the group is unknown.
func (c Configuration) GroupOf(group ids.PaxosGroupID) ([]TxmanState, bool) {
	g, ok := c.Group(group)
	if !ok {
		return nil, false
	}
	out := make([]TxmanState, 0, len(g.Members))
	for _, id := range g.Members {
		if t, ok := c.TxmanByID(id); ok {
			out = append(out, t)
		}
	}
	return out, true
}
